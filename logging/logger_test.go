package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerPrefixAndArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo).With("collection", "people")

	ctx := WithDefaultArgs(context.Background(), "index", "by_age")
	log.InfoCtx(ctx, "regenerated", "entries", 3)
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[nutelladb] regenerated")
	assert.Contains(t, out, "collection=people")
	assert.Contains(t, out, "index=by_age")
	assert.Contains(t, out, "entries=3")
	assert.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
