package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/akrobe/traffic-twin/internal/ids"
)

func newCapture() (*bytes.Buffer, Logger) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &buf, New(base)
}

func TestUntaggedContextOmitsPeer(t *testing.T) {
	buf, log := newCapture()
	log.InfoCtx(context.Background(), "tick", "tick", 3)
	out := buf.String()
	if !strings.Contains(out, "tick=3") {
		t.Fatalf("attr missing: %q", out)
	}
	if strings.Contains(out, "role=") || strings.Contains(out, "rank=") {
		t.Fatalf("no peer tagged, role/rank must be absent: %q", out)
	}
}

func TestPeerTagAppearsOnEveryLevel(t *testing.T) {
	buf, log := newCapture()
	ctx := WithPeer(context.Background(), ids.RolePredictor, 2)

	log.InfoCtx(ctx, "slice scored")
	log.WarnCtx(ctx, "budget exceeded")
	log.ErrorCtx(ctx, "link down")

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "role=predictor") || !strings.Contains(line, "rank=2") {
			t.Fatalf("peer tag missing: %q", line)
		}
	}
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Fatal("expected a WARN record")
	}
}

func TestNilBaseFallsBackToDefault(t *testing.T) {
	log := New(nil)
	log.ErrorCtx(context.Background(), "must not panic")
}
