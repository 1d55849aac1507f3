package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit_StderrLevels(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf}); err != nil {
		t.Fatal(err)
	}
	Debug("quiet", "k", "v")
	Info("also quiet")
	Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("debug/info leaked to stderr without verbose: %s", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("warning missing from stderr: %s", out)
	}
}

func TestInit_VerboseJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Verbose: true, JSONFormat: true, Stderr: &buf}); err != nil {
		t.Fatal(err)
	}
	Debug("chatty", "host", "api.openai.com")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("stderr output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "chatty" || rec["host"] != "api.openai.com" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInit_DebugFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := Init(Options{Stderr: &buf, DebugDir: dir}); err != nil {
		t.Fatal(err)
	}
	Debug("to file only")
	Close()

	name := time.Now().Format(dateLayout) + ".jsonl"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("debug file missing: %v", err)
	}
	if !strings.Contains(string(data), "to file only") {
		t.Errorf("debug record missing from file: %s", data)
	}
	if strings.Contains(buf.String(), "to file only") {
		t.Error("debug record leaked to stderr")
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2001-01-01.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	current := filepath.Join(dir, time.Now().Format(dateLayout)+".jsonl")
	if err := os.WriteFile(current, []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(keep, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	cleanup(dir, 7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale log file survived cleanup")
	}
	if _, err := os.Stat(current); err != nil {
		t.Error("current log file removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-log file removed")
	}
}
