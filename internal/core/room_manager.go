package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

// RoomHooks observe room lifecycle. OnCreate runs after the room is
// registered, OnClose after it was removed.
type RoomHooks struct {
	OnCreate func(*Room)
	OnClose  func(*Room)
}

type RoomManager struct {
	engine  Engine
	opts    RoomOptions
	metrics *metrics.Metrics

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	hooks []RoomHooks
}

func NewRoomManager(engine Engine, opts RoomOptions) *RoomManager {
	return &RoomManager{
		engine:  engine,
		opts:    opts,
		metrics: opts.Metrics,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

// Observe registers lifecycle hooks. Must be called before the first room
// is created.
func (rm *RoomManager) Observe(h RoomHooks) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.hooks = append(rm.hooks, h)
}

func (rm *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[id]
	return room, ok
}

func (rm *RoomManager) GetOrCreate(id domain.RoomID) *Room {
	rm.mu.RLock()
	room, ok := rm.rooms[id]
	rm.mu.RUnlock()
	if ok && !room.Closed() {
		return room
	}

	rm.mu.Lock()
	if room, ok = rm.rooms[id]; !ok || room.Closed() {
		opts := rm.opts
		var created *Room
		opts.OnFatal = func(_ domain.RoomID, err error) {
			rm.evict(created, err)
		}
		room = NewRoom(id, rm.engine, opts)
		created = room
		rm.rooms[id] = room
		rm.mu.Unlock()

		rm.metrics.RoomOpened()
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room created")
		for _, h := range rm.hookList() {
			if h.OnCreate != nil {
				h.OnCreate(room)
			}
		}
		return room
	}
	rm.mu.Unlock()
	return room
}

func (rm *RoomManager) hookList() []RoomHooks {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return append([]RoomHooks(nil), rm.hooks...)
}

// Join adds identity to the room, recreating the room if it closed between
// lookup and insert.
func (rm *RoomManager) Join(ctx context.Context, id domain.RoomID, identity domain.Identity) (*Room, domain.Participant, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room := rm.GetOrCreate(id)
		p, err := room.AddParticipant(ctx, identity)
		if err == nil {
			return room, p, nil
		}
		if !errors.Is(err, domain.ErrRoomClosed) {
			return nil, domain.Participant{}, err
		}
	}
	return nil, domain.Participant{}, domain.ErrRoomClosed
}

func (rm *RoomManager) List() []domain.RoomInfo {
	rm.mu.RLock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopIfEmpty closes and forgets the room when its last participant left.
func (rm *RoomManager) StopIfEmpty(id domain.RoomID) bool {
	rm.mu.Lock()
	room, ok := rm.rooms[id]
	if !ok || !room.CloseIfEmpty() {
		rm.mu.Unlock()
		return false
	}
	delete(rm.rooms, id)
	rm.mu.Unlock()
	rm.closed(room)
	return true
}

func (rm *RoomManager) evict(room *Room, err error) {
	rm.mu.Lock()
	cur, ok := rm.rooms[room.ID()]
	ok = ok && cur == room
	if ok {
		delete(rm.rooms, room.ID())
	}
	rm.mu.Unlock()
	if ok {
		log.Error().Str("module", "core.rooms").Str("room", string(room.ID())).Err(err).Msg("room evicted")
		rm.closed(room)
	}
}

func (rm *RoomManager) closed(room *Room) {
	rm.metrics.RoomClosed()
	for _, h := range rm.hookList() {
		if h.OnClose != nil {
			h.OnClose(room)
		}
	}
}

// Close shuts every room down.
func (rm *RoomManager) Close() {
	rm.mu.Lock()
	rooms := rm.rooms
	rm.rooms = make(map[domain.RoomID]*Room)
	rm.mu.Unlock()
	for _, room := range rooms {
		room.Close()
		rm.closed(room)
	}
}
