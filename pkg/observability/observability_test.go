package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, nil)
	require.NoError(t, err)

	// Every record path must be safe without initialized instruments.
	p.RecordRun(ctx)
	p.RecordError(ctx, errors.New("x"))
	_, done := p.StartStage(ctx, "render")
	done(errors.New("stage failed"))
	release := p.TrackOutputs(ctx, 3)
	release()

	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled, "core must not open network connections unless asked")
	assert.Equal(t, "ontoforge", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
