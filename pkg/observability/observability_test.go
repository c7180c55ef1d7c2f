package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledWithoutEndpoint(t *testing.T) {
	p, err := New(context.Background(), &Config{ServiceName: "sabt-test"}, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	// The no-op tracer still hands out working spans.
	ctx, span := p.StartSpan(context.Background(), "test.op")
	assert.NotNil(t, ctx)
	span.End()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "sabt-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.NotZero(t, cfg.BatchTimeout)
}
