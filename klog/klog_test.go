package klog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerIsNop(t *testing.T) {
	SetLogger(nil)
	assert.IsType(t, NopLogger{}, L())
	assert.NotPanics(t, func() {
		L().Infof("hello %s", "world")
	})
}

func TestSetLoggerRoutesThroughSlog(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })

	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	SetLogger(NewSlogLogger(handler))

	L().Warnf("zombie reaped: handle=%d", 7)

	require.Contains(t, buf.String(), "zombie reaped: handle=7")
}
