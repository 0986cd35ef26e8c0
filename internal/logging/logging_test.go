package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf).With(String("node", "w1"))

	log.Debug(context.Background(), "dispatched", String("command", "simulator/run"), Int("frames", 3))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "dispatched" || rec["node"] != "w1" || rec["command"] != "simulator/run" {
		t.Fatalf("record = %v", rec)
	}
	if rec["frames"] != 3.0 {
		t.Fatalf("frames = %v, want 3", rec["frames"])
	}
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("output = %q, want only the warning", out)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simctl.log")
	log := New(Config{File: path, MaxSizeMB: 1})

	log.Info(context.Background(), "to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file = %q", data)
	}
}

func TestEnsureRequestIDKeepsExisting(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx, id := EnsureRequestID(ctx)
	if id != "req-1" || RequestIDFromContext(ctx) != "req-1" {
		t.Fatalf("id = %q, want req-1", id)
	}

	_, fresh := EnsureRequestID(context.Background())
	if fresh == "" || fresh == "req-1" {
		t.Fatalf("fresh id = %q", fresh)
	}
}

func TestErrNil(t *testing.T) {
	if f := Err(nil); f.Key != "error" || f.Value != "" {
		t.Fatalf("Err(nil) = %+v", f)
	}
}
