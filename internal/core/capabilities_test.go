package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/adapters/engine"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

func TestCapabilityRegistry_CanceledCallerDoesNotFailOthers(t *testing.T) {
	eng := engine.NewLoopback("", 40000)
	registry := core.NewCapabilityRegistry(eng, nil)
	release := eng.Hold("router")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := registry.Capabilities(ctx)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := registry.Capabilities(context.Background())
		second <- err
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller still waiting")
	}

	release()
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("router creation did not finish")
	}
	_, ok := registry.Router()
	assert.True(t, ok)

	caps, err := registry.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMediaCodecs(), caps.Codecs)
}
