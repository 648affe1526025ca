package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("notify"))
	log.Debug("hidden")
	log.Info("sent", Int("n", 3), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["comp"] != "notify" || got["n"] != float64(3) || got["err"] != "boom" || got["message"] != "sent" {
		t.Fatalf("event=%v", got)
	}
	if _, ok := got["stack"]; ok {
		t.Fatalf("blank stack logged: %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatalf("IsZero mismatch")
	}
	zero.Error("discarded")
	if Nop().Enabled(LevelError) {
		t.Fatalf("nop logger reports enabled")
	}
}

func TestServiceApplyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "notifbox.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("below level")
	log.Warn("kept", String("k", "v"))
	if svc.Level() != LevelWarn {
		t.Fatalf("level=%v", svc.Level())
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below level") || !strings.Contains(out, `"k":"v"`) || !strings.Contains(out, "after apply") {
		t.Fatalf("file=%s", out)
	}
}

func TestStackTrace(t *testing.T) {
	t.Parallel()
	st := StackTrace(1, 4)
	if !strings.Contains(st, "TestStackTrace") {
		t.Fatalf("stack=%s", st)
	}
}
