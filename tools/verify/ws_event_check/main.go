// Command ws_event_check dials a running daemon's /ws stream, ingests a task
// over HTTP and waits for the matching task.created frame.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type frame struct {
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "daemon base url")
	segment := flag.String("segment", "backend", "segment to ingest into")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	httpBase := strings.TrimRight(*base, "/")
	wsURL := "ws" + strings.TrimPrefix(httpBase, "http") + "/ws?topics=task."

	_, foreignResp, foreignErr := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://foreign.example"}},
	})
	if foreignErr == nil {
		fmt.Fprintln(os.Stderr, "expected cross-origin dial to fail but it succeeded")
		os.Exit(1)
	}
	if foreignResp == nil || foreignResp.StatusCode != http.StatusForbidden {
		fmt.Fprintf(os.Stderr, "expected 403 for foreign origin, got response=%v err=%v\n", foreignResp, foreignErr)
		os.Exit(1)
	}
	fmt.Printf("ORIGIN_CHECK foreign origin rejected status=%d\n", foreignResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sourceID := fmt.Sprintf("ws-check-%d", time.Now().UnixNano())
	body, _ := json.Marshal(map[string]any{
		"source_id":      sourceID,
		"segment":        *segment,
		"title":          "ws event check",
		"knowledge_refs": []string{"https://example.invalid/ws-check"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/api/ingest", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build ingest request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest failed: %v\n", err)
		os.Exit(1)
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || err != nil {
		fmt.Fprintf(os.Stderr, "ingest returned %d (decode err=%v)\n", resp.StatusCode, err)
		os.Exit(1)
	}
	fmt.Printf(">> ingested task_id=%s\n", created.TaskID)

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			fmt.Fprintf(os.Stderr, "read failed before task.created arrived: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<< seq=%d topic=%s payload=%s\n", f.Seq, f.Topic, f.Payload)
		if f.Topic != "task.created" {
			continue
		}
		var ev struct {
			TaskID string `json:"task_id"`
		}
		if json.Unmarshal(f.Payload, &ev) == nil && ev.TaskID == created.TaskID {
			break
		}
	}
	fmt.Println("VERDICT PASS")
}
