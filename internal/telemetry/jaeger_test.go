package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJaegerWithoutEndpoint(t *testing.T) {
	shutdown, err := InitJaeger(Config{ServiceName: "codecollab"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.True(t, strings.Contains(sampler(0).Description(), "AlwaysOnSampler"))
	assert.True(t, strings.Contains(sampler(0.25).Description(), "TraceIDRatioBased{0.25}"))
}
