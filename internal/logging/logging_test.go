package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_TextAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, closer, err := New(Options{Level: "warn", Stderr: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	log.Info("hidden")
	log.Warn("shown", "block", 12)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record passed a warn logger: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "block=12") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestNew_JSONWithFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer
	log, closer, err := New(Options{Format: "json", File: path, Stderr: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("job transition", "to", "CREDITED")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("stderr is not json: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "job transition" || rec["to"] != "CREDITED" {
		t.Fatalf("record: %v", rec)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(raw, buf.Bytes()) {
		t.Fatalf("file copy differs:\nfile   %q\nstderr %q", raw, buf.String())
	}
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	t.Parallel()

	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
}
