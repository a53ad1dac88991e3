package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type sessionEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps signaling sessions to the participant and room they speak for.
// One participant may hold several sessions in the same room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) Bind(sid core.SessionID, room domain.RoomID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		Room:    room,
		Session: sess,
		Cancel:  cancel,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).
		Str("participant", string(sess.Identity().ID)).Msg("bound session")
}

func (r *Registry) Get(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

// Unbind forgets sid and reports how many sessions the same participant
// still holds in the same room.
func (r *Registry) Unbind(sid core.SessionID) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return 0, false
	}
	delete(r.sessions, sid)
	id := e.Session.Identity().ID
	for _, other := range r.sessions {
		if other.Room == e.Room && other.Session.Identity().ID == id {
			remaining++
		}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("remaining", remaining).Msg("unbind session")
	return remaining, true
}

type Member struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []Member {
	return r.filter(func(e *sessionEntry) bool { return e.Room == room })
}

// RoomMates lists the sessions of every other participant in room.
func (r *Registry) RoomMates(room domain.RoomID, exclude domain.ParticipantID) []Member {
	return r.filter(func(e *sessionEntry) bool {
		return e.Room == room && e.Session.Identity().ID != exclude
	})
}

func (r *Registry) filter(keep func(*sessionEntry) bool) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if keep(e) {
			out = append(out, Member{SID: sid, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
