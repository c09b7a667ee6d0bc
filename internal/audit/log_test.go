package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogEventCarriesRequestAndActor(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{ID: "admin-1"})
	fields := map[string]any{"tenant_id": "acme"}
	if err := LogEvent(ctx, "auth.token.issued", fields); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	fields["tenant_id"] = "mutated"

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["type"] != "audit" || entry["event"] != "auth.token.issued" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["actor"] != "admin-1" {
		t.Fatalf("context not carried: %v", entry)
	}
	got, ok := entry["fields"].(map[string]any)
	if !ok || got["tenant_id"] != "acme" {
		t.Fatalf("fields missing or aliased: %v", entry["fields"])
	}
}

func TestLogEventDefaultsToSystemActor(t *testing.T) {
	buf := captureLog(t)

	if err := LogEvent(context.Background(), "audit.write_failed", nil); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	entry := decodeLines(t, buf)[0]
	if entry["actor"] != SystemActor {
		t.Fatalf("expected system actor, got %v", entry["actor"])
	}
	if _, ok := entry["request_id"]; ok {
		t.Fatalf("request_id must be omitted without one: %v", entry)
	}
	if err := LogEvent(context.Background(), "  ", nil); !errors.Is(err, ErrEventRequired) {
		t.Fatalf("expected ErrEventRequired, got %v", err)
	}
}
