package logcontext

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendCtx(t *testing.T) {
	base := AppendCtx(context.Background(), slog.String("runId", "r1"))
	a := AppendCtx(base, slog.String("id", "a"))
	b := AppendCtx(base, slog.String("id", "b"))

	assert.Len(t, Attrs(base), 1)
	assert.Equal(t, []slog.Attr{slog.String("runId", "r1"), slog.String("id", "a")}, Attrs(a))
	assert.Equal(t, []slog.Attr{slog.String("runId", "r1"), slog.String("id", "b")}, Attrs(b))
	assert.Empty(t, Attrs(context.Background()))
}
