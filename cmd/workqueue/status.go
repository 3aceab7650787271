package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// healthReport mirrors the /healthz body.
type healthReport struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	ConfigFingerprint string `json:"config_fingerprint"`
	BusSubscribers    int    `json:"bus_subscribers"`
	PolicyDenies      int64  `json:"policy_denies"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Version           string `json:"version"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx := cmd.Context()
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.Server.BindAddr), nil)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("status: read body: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut || !isTerminal(out) {
				_, _ = out.Write(body)
				if len(body) == 0 || body[len(body)-1] != '\n' {
					_, _ = out.Write([]byte("\n"))
				}
			} else {
				var h healthReport
				if err := json.Unmarshal(body, &h); err != nil {
					return fmt.Errorf("status: decode: %w", err)
				}
				printHealth(out, h)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon unhealthy: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON body even on a terminal")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// healthURL turns a bind address or base URL into the /healthz URL.
func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func printHealth(w io.Writer, h healthReport) {
	state := "healthy"
	if !h.Healthy {
		state = "UNHEALTHY"
	}
	db := "ok"
	if !h.DBOK {
		db = "unreachable"
	}
	fmt.Fprintf(w, "workqueue %s: %s\n", h.Version, state)
	fmt.Fprintf(w, "  database        %s\n", db)
	fmt.Fprintf(w, "  uptime          %s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "  bus subscribers %d\n", h.BusSubscribers)
	fmt.Fprintf(w, "  denied actions  %d\n", h.PolicyDenies)
	fmt.Fprintf(w, "  config          %s\n", h.ConfigFingerprint)
}
