package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with --home set and returns stdout.
func execute(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("WORKQUEUE_HOME", home)
	cmd := rootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--home", home}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "workqueue "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "bogus"); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}

func TestDoctorCommand_FreshHome(t *testing.T) {
	out, err := execute(t, t.TempDir(), "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor on a fresh home: %v\n%s", err, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(diag.Results) == 0 {
		t.Fatal("no results")
	}
	if diag.Results[0].Name != "Config" || diag.Results[0].Status != "WARN" {
		t.Fatalf("first result = %+v", diag.Results[0])
	}
}

func TestDoctorCommand_FailingCheck(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "knowledge_roots: [missing]\n")
	out, err := execute(t, home, "doctor")
	if err != errChecksFailed {
		t.Fatalf("got %v, want errChecksFailed\n%s", err, out)
	}
	if !strings.Contains(out, "[FAIL] Knowledge Roots") {
		t.Fatalf("report missing failed check:\n%s", out)
	}
}
