package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan *rtp.Packet

func (s chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint16
	err  error
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func (r *recorder) got() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.seqs...)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, SSRC: 1111}}
}

func TestRelay_MutedUntilResumed(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	defer m.Close()

	subscribed := make(chan struct{}, 4)
	m.StartRelay(context.Background(), "p1", src, func() { subscribed <- struct{}{} })
	require.True(t, m.HasRelay("p1"))

	live, paused := &recorder{}, &recorder{}
	_, ok := m.AddSubscriber("p1", "live", live, false)
	require.True(t, ok)
	ot, ok := m.AddSubscriber("p1", "paused", paused, true)
	require.True(t, ok)
	assert.Len(t, subscribed, 2)
	assert.Equal(t, TrackStateMuted, ot.GetState())

	src <- packet(1)
	require.Eventually(t, func() bool { return len(live.got()) == 1 }, time.Second, 5*time.Millisecond)
	ot.MarkOk()
	src <- packet(2)
	src <- packet(3)

	require.Eventually(t, func() bool { return len(live.got()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(paused.got()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2, 3}, live.got())
	assert.NotContains(t, paused.got(), uint16(1))
}

func TestRelay_DropsFailingSubscriber(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	defer m.Close()
	m.StartRelay(context.Background(), "p1", src, nil)

	bad := &recorder{err: errors.New("broken pipe")}
	good := &recorder{}
	ot, _ := m.AddSubscriber("p1", "bad", bad, false)
	m.AddSubscriber("p1", "good", good, false)
	assert.Equal(t, 2, m.Subscribers("p1"))

	src <- packet(1)
	src <- packet(2)
	require.Eventually(t, func() bool { return len(good.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.Equal(t, 1, m.Subscribers("p1"))
}

func TestRelay_StopAndSourceEnd(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	m.StartRelay(context.Background(), "p1", src, nil)
	ot, _ := m.AddSubscriber("p1", "c1", &recorder{}, true)

	m.MarkSubscriberDelete("p1", "c1")
	assert.Equal(t, TrackStateDelete, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState(), "deleted tracks never come back")

	other := make(chanSource)
	m.StartRelay(context.Background(), "p2", other, nil)
	ot2, _ := m.AddSubscriber("p2", "c2", &recorder{}, false)
	close(other)
	require.Eventually(t, func() bool { return ot2.GetState() == TrackStateDelete }, time.Second, 5*time.Millisecond)

	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	_, ok := m.AddSubscriber("p1", "c3", &recorder{}, false)
	assert.False(t, ok)
	assert.Zero(t, m.Subscribers("p1"))
	close(src)
}
