package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns the relays of one router, keyed by producer id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
// onSubscribe runs whenever a subscriber is added, e.g. to request a keyframe.
func (m *RelayManager) StartRelay(ctx context.Context, producer string, src Source, onSubscribe func()) {
	logger := log.With().
		Str("module", "relay").
		Str("producer", producer).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)
	relay.onSubscribe = onSubscribe

	m.mu.Lock()
	if old, ok := m.relays[producer]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[producer] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

// AddSubscriber attaches w to the relay of producer. Paused subscribers
// start muted.
func (m *RelayManager) AddSubscriber(producer, dst string, w RTPWriter, paused bool) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state := TrackStateOk
	if paused {
		state = TrackStateMuted
	}
	ot := NewOutTrack(w, state)
	relay.AddOutTrack(dst, ot)
	return ot, true
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producer, dst string) {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outTracks[dst]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producer string) {
	m.mu.Lock()
	relay, ok := m.relays[producer]
	if ok {
		delete(m.relays, producer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// HasRelay reports whether a relay exists for producer.
func (m *RelayManager) HasRelay(producer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producer]
	return ok
}

func (m *RelayManager) Subscribers(producer string) int {
	m.mu.RLock()
	relay, ok := m.relays[producer]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.Subscribers()
}

// Close stops every relay.
func (m *RelayManager) Close() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}
