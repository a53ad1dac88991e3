package compositor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

type attached struct {
	pipeline    *Pipeline
	unsubscribe func()
}

// Manager runs one pipeline per live room.
type Manager struct {
	ctx      context.Context
	launcher Launcher
	cfg      Config
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	pipelines map[domain.RoomID]attached
	observers []func(Generation)
}

func NewManager(ctx context.Context, launcher Launcher, cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		ctx:       ctx,
		launcher:  launcher,
		cfg:       cfg,
		metrics:   m,
		pipelines: make(map[domain.RoomID]attached),
	}
}

// OnPromote registers fn for generations of every pipeline created later.
func (m *Manager) OnPromote(fn func(Generation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Hooks plug the manager into the room lifecycle.
func (m *Manager) Hooks() core.RoomHooks {
	return core.RoomHooks{
		OnCreate: m.Attach,
		OnClose:  m.Detach,
	}
}

func (m *Manager) Attach(room *core.Room) {
	m.mu.Lock()
	stale, ok := m.pipelines[room.ID()]
	if ok && stale.pipeline.source == room {
		m.mu.Unlock()
		return
	}
	p := New(room.ID(), room, m.launcher, m.cfg, m.metrics)
	for _, fn := range m.observers {
		p.OnPromote(fn)
	}
	unsubscribe := room.Events().Subscribe(p.HandleEvent)
	m.pipelines[room.ID()] = attached{pipeline: p, unsubscribe: unsubscribe}
	m.mu.Unlock()

	if ok {
		stale.unsubscribe()
		stale.pipeline.Stop()
	}
	go p.Run(m.ctx)
	// Producers may already exist when the room is re-attached.
	p.Trigger()
	log.Debug().Str("module", "compositor").Str("room", string(room.ID())).Msg("pipeline attached")
}

func (m *Manager) Detach(room *core.Room) {
	m.mu.Lock()
	a, ok := m.pipelines[room.ID()]
	if ok && a.pipeline.source == room {
		delete(m.pipelines, room.ID())
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	a.unsubscribe()
	a.pipeline.Stop()
}

func (m *Manager) Get(id domain.RoomID) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.pipelines[id]
	return a.pipeline, ok
}

func (m *Manager) Close() {
	m.mu.Lock()
	all := m.pipelines
	m.pipelines = make(map[domain.RoomID]attached)
	m.mu.Unlock()
	for _, a := range all {
		a.unsubscribe()
		a.pipeline.Stop()
	}
}
