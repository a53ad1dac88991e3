package compositor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/adapters/engine"
	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Stop(time.Duration) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// fakeLauncher records launches and writes a playlist with one segment into
// the generation directory, as ffmpeg would.
type fakeLauncher struct {
	mu    sync.Mutex
	specs []compositor.LaunchSpec
	procs []*fakeProcess
	fail  bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec compositor.LaunchSpec) (compositor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.fail {
		return nil, errors.New("exec: ffmpeg not found")
	}
	playlist := "#EXTM3U\n#EXTINF:2.0,\nsegment_000.ts\n"
	if err := os.WriteFile(filepath.Join(spec.Dir, compositor.PlaylistName), []byte(playlist), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(spec.Dir, "segment_000.ts"), []byte("ts"), 0o644); err != nil {
		return nil, err
	}
	p := &fakeProcess{pid: 1000 + len(l.specs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() compositor.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func mapsOf(args []string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-map" {
			out = append(out, args[i+1])
		}
	}
	return out
}

type harness struct {
	ctx      context.Context
	room     *core.Room
	launcher *fakeLauncher
	pipeline *compositor.Pipeline
	send     map[domain.ParticipantID]domain.TransportID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newDebouncedHarness(t, 10*time.Millisecond)
}

func newDebouncedHarness(t *testing.T, debounce time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	room := core.NewRoom("r1", engine.NewLoopback("127.0.0.1", 50000), core.RoomOptions{})
	_, err := room.Capabilities(ctx)
	require.NoError(t, err)

	h := &harness{ctx: ctx, room: room, launcher: &fakeLauncher{}, send: map[domain.ParticipantID]domain.TransportID{}}
	for _, id := range []domain.ParticipantID{"alice", "bob"} {
		_, err := room.AddParticipant(ctx, domain.Identity{ID: id, Name: string(id)})
		require.NoError(t, err)
		desc, err := room.CreateTransport(ctx, id, domain.DirectionSend)
		require.NoError(t, err)
		h.send[id] = desc.ID
	}

	h.pipeline = compositor.New("r1", room, h.launcher, compositor.Config{
		OutputDir:   t.TempDir(),
		Debounce:    debounce,
		StopTimeout: 100 * time.Millisecond,
	}, nil)
	room.Events().Subscribe(h.pipeline.HandleEvent)
	go h.pipeline.Run(ctx)
	t.Cleanup(h.pipeline.Stop)
	return h
}

func (h *harness) produce(t *testing.T, owner domain.ParticipantID, kind domain.MediaKind) domain.ProducerID {
	t.Helper()
	params := domain.RTPParameters{
		Codecs:    []domain.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.Encoding{{SSRC: 1111}},
	}
	if kind == domain.KindVideo {
		params = domain.RTPParameters{
			Codecs:    []domain.CodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
			Encodings: []domain.Encoding{{SSRC: 2222}},
		}
	}
	info, err := h.room.CreateProducer(h.ctx, owner, h.send[owner], kind, params, nil)
	require.NoError(t, err)
	return info.ID
}

func (h *harness) waitRunning(t *testing.T, launches, inputs int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.launcher.launches() == launches &&
			h.pipeline.State() == compositor.StateRunning &&
			len(h.pipeline.Inputs()) == inputs
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_FollowsProducerChanges(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, compositor.StateIdle, h.pipeline.State())

	video := h.produce(t, "alice", domain.KindVideo)
	h.waitRunning(t, 1, 1)
	assert.Equal(t, []string{"[v]"}, mapsOf(h.launcher.last().Args))

	h.produce(t, "bob", domain.KindAudio)
	h.waitRunning(t, 2, 2)
	args := h.launcher.last().Args
	assert.Equal(t, []string{"[v]", "1:a"}, mapsOf(args))
	assert.NotContains(t, args, "[0:a][1:a]amix=inputs=2:duration=longest[a]")

	_, err := h.room.CloseProducer("alice", video)
	require.NoError(t, err)
	h.waitRunning(t, 3, 1)
	inputs := h.pipeline.Inputs()
	assert.Equal(t, domain.KindAudio, inputs[0].Kind)
	assert.Equal(t, uint8(100), inputs[0].Codec.PayloadType)
	assert.Equal(t, []string{"0:a"}, mapsOf(h.launcher.last().Args))
	assert.NotContains(t, h.launcher.last().Args, "-filter_complex")

	assert.Equal(t, []compositor.Transition{
		{From: compositor.StateIdle, To: compositor.StateStarting},
		{From: compositor.StateStarting, To: compositor.StateRunning},
		{From: compositor.StateRunning, To: compositor.StateRestarting},
		{From: compositor.StateRestarting, To: compositor.StateRunning},
		{From: compositor.StateRunning, To: compositor.StateRestarting},
		{From: compositor.StateRestarting, To: compositor.StateRunning},
	}, h.pipeline.Transitions())

	// Superseded transcoders are stopped.
	h.launcher.mu.Lock()
	for _, p := range h.launcher.procs[:2] {
		select {
		case <-p.done:
		default:
			t.Errorf("process %d still running after restart", p.pid)
		}
	}
	h.launcher.mu.Unlock()
}

func TestPipeline_ServesLatestGeneration(t *testing.T) {
	h := newHarness(t)
	h.produce(t, "alice", domain.KindAudio)
	h.waitRunning(t, 1, 1)

	manifest, err := h.pipeline.Manifest("http://cast.local/api/rooms/r1/stream")
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "http://cast.local/api/rooms/r1/stream/segment_000.ts")

	path, err := h.pipeline.SegmentPath("segment_000.ts")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, h.launcher.last().Dir, filepath.Dir(path))

	_, err = h.pipeline.SegmentPath("../playlist.m3u8")
	assert.ErrorIs(t, err, compositor.ErrInvalidSegment)
	_, err = h.pipeline.SegmentPath("segment_999.ts")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sdps, err := filepath.Glob(filepath.Join(h.launcher.last().Dir, "*.sdp"))
	require.NoError(t, err)
	require.Len(t, sdps, 1)
	raw, err := os.ReadFile(sdps[0])
	require.NoError(t, err)
	desc, err := compositor.ParseSessionDescription(raw)
	require.NoError(t, err)
	assert.Equal(t, "opus", desc.Codec)
	assert.Equal(t, h.pipeline.Inputs()[0].Port, desc.Port)
}

func TestPipeline_FailedRestartKeepsServing(t *testing.T) {
	h := newHarness(t)
	h.produce(t, "alice", domain.KindAudio)
	h.waitRunning(t, 1, 1)
	served := h.launcher.last().Dir

	h.launcher.setFail(true)
	h.produce(t, "bob", domain.KindAudio)
	require.Eventually(t, func() bool {
		return slices.Contains(h.pipeline.Transitions(), compositor.Transition{
			From: compositor.StateRestarting, To: compositor.StateRunning,
		})
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, compositor.StateRunning, h.pipeline.State())
	assert.Len(t, h.pipeline.Inputs(), 1)
	path, err := h.pipeline.SegmentPath("segment_000.ts")
	require.NoError(t, err)
	assert.Equal(t, served, filepath.Dir(path))

	h.launcher.setFail(false)
	h.pipeline.Trigger()
	h.waitRunning(t, 3, 2)
	assert.NoDirExists(t, served)
}

func TestPipeline_DrainsWhenLastProducerCloses(t *testing.T) {
	h := newHarness(t)
	h.produce(t, "alice", domain.KindAudio)
	h.waitRunning(t, 1, 1)

	h.room.RemoveParticipant("alice")
	require.Eventually(t, func() bool {
		return h.pipeline.State() == compositor.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.pipeline.Inputs())
	_, err := h.pipeline.Manifest("http://x")
	assert.ErrorIs(t, err, compositor.ErrNoStream)

	h.pipeline.Stop()
	assert.Equal(t, compositor.StateStopped, h.pipeline.State())
}

func TestPipeline_CoalescesBurstIntoOneLaunch(t *testing.T) {
	h := newDebouncedHarness(t, 150*time.Millisecond)
	video := h.produce(t, "alice", domain.KindVideo)
	h.produce(t, "bob", domain.KindAudio)
	_, err := h.room.CloseProducer("alice", video)
	require.NoError(t, err)
	h.produce(t, "alice", domain.KindAudio)

	h.waitRunning(t, 1, 2)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.launcher.launches())
	assert.Equal(t, []string{"[a]"}, mapsOf(h.launcher.last().Args))
}
