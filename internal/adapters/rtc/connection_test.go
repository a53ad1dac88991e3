package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liteAPI() *webrtc.API {
	var s webrtc.SettingEngine
	s.SetLite(true)
	s.SetIncludeLoopbackCandidate(true)
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithSettingEngine(s))
}

func TestConnection_WaitReadyEndsOnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := NewConnection(ctx, liteAPI(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", c.ID())
	assert.NotEmpty(t, c.LocalICE().Password)
	assert.NotEmpty(t, c.LocalDTLS().Fingerprints)

	short, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, c.WaitReady(short), context.DeadlineExceeded)

	closed := make(chan struct{})
	c.OnClosed(func() { close(closed) })
	c.Close()
	c.Close()
	<-closed
	assert.ErrorIs(t, c.WaitReady(ctx), ErrConnectionClosed)
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}
