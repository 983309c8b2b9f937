package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSlogBridge_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Service: "flowsvc", Component: "test"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithZoneKey(ctx, "east_side")
	ctx = WithCacheOutcome(ctx, "miss")
	log.InfoContext(ctx, "computed", "rows", 2, "err", errors.New("none"))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg": "computed", "request_id": "req-1", "zone_key": "east_side",
		"cache_outcome": "miss", "service": "flowsvc", "level": "info",
	}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v (line=%s)", k, m[k], v, buf.String())
		}
	}
	if m["rows"].(float64) != 2 {
		t.Fatalf("rows=%v", m["rows"])
	}
}

func TestBuild_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	log := NewSlog(&zl)

	log.Info("dropped")
	log.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if RequestID(ctx) == "" {
		t.Fatalf("expected generated id")
	}
}

func TestDiscard_DoesNotPanic(t *testing.T) {
	Discard().With("a", 1).WithGroup("g").Error("nothing")
}
