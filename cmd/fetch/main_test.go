package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestClassify(t *testing.T) {
	out, err := run(t, "classify", "2330", "aapl", "0700.HK")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	var infos []symbol.Info
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []symbol.Type{symbol.TypeTaiwan, symbol.TypeUS, symbol.TypeHK}
	for i, info := range infos {
		if info.Type != want[i] {
			t.Fatalf("%s: got %s want %s", info.Original, info.Type, want[i])
		}
	}
}

func TestFetch_Stub(t *testing.T) {
	out, err := run(t, "--stub", "fetch", "2330", "--type", "quote")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var resp struct {
		Success bool            `json:"success"`
		Source  provider.Source `json:"source"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Source != provider.SourceFinMind {
		t.Fatalf("unexpected: %s", out)
	}
}

func TestFetch_TierGateFails(t *testing.T) {
	out, err := run(t, "--stub", "--tier", "free", "fetch", "AAPL", "-t", "financials")
	if err == nil || !strings.Contains(err.Error(), "upgrade required") {
		t.Fatalf("want upgrade error, got %v", err)
	}
	if !strings.Contains(out, `"upgrade_prompt"`) {
		t.Fatalf("response not printed: %s", out)
	}
}

func TestFetch_BadFlags(t *testing.T) {
	if _, err := run(t, "--stub", "fetch", "2330", "--type", "weather"); err == nil {
		t.Fatal("want error for unknown type")
	}
	if _, err := run(t, "--stub", "--start", "yesterday", "fetch", "2330"); err == nil {
		t.Fatal("want error for bad date")
	}
}

func TestBatch_Stub(t *testing.T) {
	out, err := run(t, "--stub", "batch", "2330,2317", "AAPL")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var results map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
}

func TestDump_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.json")
	if _, err := run(t, "--stub", "dump", "AAPL", "-t", "quote", "-o", path); err != nil {
		t.Fatalf("dump: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw struct {
		Source  provider.Source `json:"Source"`
		Payload map[string]any  `json:"Payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw.Source != provider.SourceFinnhub || raw.Payload["price"] == nil {
		t.Fatalf("unexpected dump: %s", b)
	}
}

func TestHealth_Stub(t *testing.T) {
	out, err := run(t, "--stub", "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, `"available": true`) {
		t.Fatalf("unexpected: %s", out)
	}
}
