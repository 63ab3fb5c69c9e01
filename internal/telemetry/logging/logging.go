// Package logging wraps log/slog so every record a role emits is tagged with
// the role and rank it came from. A distributed run interleaves the streams
// of four or more peers; the peer tag is what lets one merged stream be
// split back apart per junction-pipeline stage.
package logging

import (
	"context"
	"log/slog"

	"github.com/akrobe/traffic-twin/internal/ids"
)

// Logger is the logging surface the roles depend on.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type peerKey struct{}

type peerTag struct {
	role ids.Role
	rank int
}

// WithPeer returns a context carrying this process's role and rank; every
// record logged under it gains role=/rank= attributes.
func WithPeer(ctx context.Context, role ids.Role, rank int) context.Context {
	return context.WithValue(ctx, peerKey{}, peerTag{role: role, rank: rank})
}

type peerLogger struct{ base *slog.Logger }

// New returns a peer-tagging Logger around base (slog.Default() if nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &peerLogger{base: base}
}

func withPeerAttrs(ctx context.Context, attrs []any) []any {
	if tag, ok := ctx.Value(peerKey{}).(peerTag); ok {
		attrs = append(attrs, slog.String("role", tag.role.String()), slog.Int("rank", tag.rank))
	}
	return attrs
}

func (l *peerLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, withPeerAttrs(ctx, attrs)...)
}

func (l *peerLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, withPeerAttrs(ctx, attrs)...)
}

func (l *peerLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, withPeerAttrs(ctx, attrs)...)
}
