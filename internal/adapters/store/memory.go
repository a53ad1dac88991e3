package store

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/confcast/internal/domain"
)

// Memory keeps user profiles and room records in process memory.
type Memory struct {
	mu    sync.RWMutex
	users map[domain.ParticipantID]domain.Profile
	rooms map[domain.RoomID]domain.RoomRecord
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[domain.ParticipantID]domain.Profile),
		rooms: make(map[domain.RoomID]domain.RoomRecord),
		now:   time.Now,
	}
}

func (m *Memory) Profile(_ context.Context, id domain.ParticipantID) (domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[id]
	if !ok {
		return domain.Profile{}, ErrUserNotFound
	}
	return p, nil
}

func (m *Memory) SaveProfile(_ context.Context, p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.ID] = p
	return nil
}

func (m *Memory) CreateRoom(_ context.Context, creator domain.ParticipantID, inviteOnly bool) (domain.RoomRecord, error) {
	rec := domain.RoomRecord{
		ID:         domain.RoomID(domain.NewID()),
		Creator:    creator,
		InviteOnly: inviteOnly,
		CreatedAt:  m.now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[rec.ID] = rec
	return rec, nil
}

func (m *Memory) UpdateRoom(_ context.Context, id domain.RoomID, inviteOnly bool) (domain.RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rooms[id]
	if !ok {
		return domain.RoomRecord{}, domain.ErrRoomNotFound
	}
	rec.InviteOnly = inviteOnly
	m.rooms[id] = rec
	return rec, nil
}

func (m *Memory) Room(_ context.Context, id domain.RoomID) (domain.RoomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rooms[id]
	if !ok {
		return domain.RoomRecord{}, domain.ErrRoomNotFound
	}
	return rec, nil
}
