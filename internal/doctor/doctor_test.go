package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/workqueue/internal/config"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := loadConfig(t)
	d := Run(context.Background(), cfg, "test")

	if got := find(t, d, "Config").Status; got != StatusWarn {
		t.Fatalf("Config = %s, want WARN for a home without config.yaml", got)
	}
	if got := find(t, d, "Database"); got.Status != StatusPass {
		t.Fatalf("Database = %+v", got)
	}
	if got := find(t, d, "Artifacts").Status; got != StatusPass {
		t.Fatalf("Artifacts = %s", got)
	}
	if got := find(t, d, "Handoff Rules").Status; got != StatusWarn {
		t.Fatalf("Handoff Rules = %s, want WARN when the file is missing", got)
	}
	if got := find(t, d, "Event Broker").Status; got != StatusSkip {
		t.Fatalf("Event Broker = %s", got)
	}
	if d.Failed() {
		t.Fatalf("fresh home should not fail: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := find(t, d, "Config").Status; got != StatusFail {
		t.Fatalf("Config = %s", got)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckHandoffRules(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Segments.Allowed = []string{"backend", "qa"}

	write := func(body string) {
		if err := os.WriteFile(cfg.HandoffPath(), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("rules:\n  - segment: backend\n    status: completed\n    next: qa\n")
	if got := checkHandoffRules(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("valid rules = %+v", got)
	}

	write("rules:\n  - segment: backend\n    next: design\n")
	if got := checkHandoffRules(context.Background(), cfg); got.Status != StatusWarn || got.Detail != "design" {
		t.Fatalf("unknown segment = %+v", got)
	}

	write("rules:\n  - segment: qa\n    next: qa\n")
	if got := checkHandoffRules(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("self handoff = %+v", got)
	}
}

func TestCheckKnowledgeRoots(t *testing.T) {
	cfg := loadConfig(t)
	if got := checkKnowledgeRoots(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("no roots = %s", got.Status)
	}
	if err := os.MkdirAll(filepath.Join(cfg.HomeDir, "knowledge"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.KnowledgeRoots = []string{"knowledge"}
	if got := checkKnowledgeRoots(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("present root = %+v", got)
	}
	cfg.KnowledgeRoots = append(cfg.KnowledgeRoots, "missing")
	if got := checkKnowledgeRoots(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("missing root = %+v", got)
	}
}

func TestCheckBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := loadConfig(t)
	cfg.NATS.URL = "nats://" + ln.Addr().String()
	if got := checkBroker(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("reachable broker = %+v", got)
	}

	ln.Close()
	if got := checkBroker(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("closed broker = %+v", got)
	}
}

func TestBrokerAddr(t *testing.T) {
	cases := map[string]string{
		"nats://127.0.0.1:4333":                  "127.0.0.1:4333",
		"nats://broker.internal":                 "broker.internal:4222",
		"localhost:5000":                         "localhost:5000",
		"nats://a.example:1, nats://b.example:2": "a.example:1",
	}
	for in, want := range cases {
		got, err := brokerAddr(in)
		if err != nil || got != want {
			t.Errorf("brokerAddr(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
