package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true})
	}))
	defer ts.Close()

	home := t.TempDir()
	writeConfig(t, home, "server:\n  bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	out, err := execute(t, home, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"healthy":true`) {
		t.Fatalf("raw body not printed: %q", out)
	}
}

func TestStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	home := t.TempDir()
	writeConfig(t, home, "server:\n  bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	if _, err := execute(t, home, "status"); err == nil {
		t.Fatal("expected an error for a 503")
	}
}

func TestStatusCommand_ConnectionRefused(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "server:\n  bind_addr: \"127.0.0.1:1\"\n")
	if _, err := execute(t, home, "status", "--timeout", "1s"); err == nil {
		t.Fatal("expected an error for connection refused")
	}
}

func TestStatusCommand_ExtraArgs(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "status", "extra"); err == nil {
		t.Fatal("expected an error for extra args")
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790":        "http://127.0.0.1:18790/healthz",
		"0.0.0.0:9000":           "http://127.0.0.1:9000/healthz",
		":9000":                  "http://127.0.0.1:9000/healthz",
		"[::1]:9000":             "http://[::1]:9000/healthz",
		"https://queue.example/": "https://queue.example/healthz",
		"":                       "http://127.0.0.1:18790/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	printHealth(&buf, healthReport{Healthy: false, DBOK: false, Version: "v1", UptimeSeconds: 90})
	out := buf.String()
	for _, want := range []string{"workqueue v1: UNHEALTHY", "unreachable", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
