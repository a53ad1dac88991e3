package compositor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/adapters/engine"
	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

func TestManager_EngineFailureDuringRestartStopsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.NewLoopback("127.0.0.1", 51000)
	rooms := core.NewRoomManager(eng, core.RoomOptions{})
	launcher := &fakeLauncher{}
	streams := compositor.NewManager(ctx, launcher, compositor.Config{
		OutputDir:   t.TempDir(),
		Debounce:    10 * time.Millisecond,
		StopTimeout: 100 * time.Millisecond,
	}, nil)
	rooms.Observe(streams.Hooks())
	defer streams.Close()

	send := map[domain.ParticipantID]domain.TransportID{}
	var room *core.Room
	for _, id := range []domain.ParticipantID{"alice", "bob"} {
		r, _, err := rooms.Join(ctx, "r1", domain.Identity{ID: id, Name: string(id)})
		require.NoError(t, err)
		room = r
		_, err = room.Capabilities(ctx)
		require.NoError(t, err)
		desc, err := room.CreateTransport(ctx, id, domain.DirectionSend)
		require.NoError(t, err)
		send[id] = desc.ID
	}
	produce := func(owner domain.ParticipantID, ssrc uint32) {
		_, err := room.CreateProducer(ctx, owner, send[owner], domain.KindAudio, domain.RTPParameters{
			Codecs:    []domain.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []domain.Encoding{{SSRC: ssrc}},
		}, nil)
		require.NoError(t, err)
	}

	pipeline, ok := streams.Get("r1")
	require.True(t, ok)
	produce("alice", 1111)
	require.Eventually(t, func() bool {
		return pipeline.State() == compositor.StateRunning && launcher.launches() == 1
	}, 2*time.Second, 5*time.Millisecond)

	release := eng.Hold("mirror")
	produce("bob", 2222)
	require.Eventually(t, func() bool {
		return pipeline.State() == compositor.StateRestarting
	}, 2*time.Second, 5*time.Millisecond)
	eng.Kill()
	release()

	require.Eventually(t, func() bool {
		return pipeline.State() == compositor.StateStopped
	}, 2*time.Second, 5*time.Millisecond)
	_, ok = rooms.Get("r1")
	assert.False(t, ok)
	_, ok = streams.Get("r1")
	assert.False(t, ok)

	launcher.mu.Lock()
	first := launcher.procs[0]
	launcher.mu.Unlock()
	select {
	case <-first.done:
	default:
		t.Errorf("transcoder %d still running after room eviction", first.pid)
	}
}
