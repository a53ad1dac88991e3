package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
)

type admissionEntry struct {
	req     domain.AdmissionRequest
	decided chan struct{}
}

// Admissions is the waiting list of invite-only rooms.
type Admissions struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ParticipantID]*admissionEntry
	order map[domain.RoomID][]domain.ParticipantID
}

func NewAdmissions() *Admissions {
	return &Admissions{
		rooms: make(map[domain.RoomID]map[domain.ParticipantID]*admissionEntry),
		order: make(map[domain.RoomID][]domain.ParticipantID),
	}
}

// Request puts the user on the room's waiting list. A pending or admitted
// request is returned unchanged; a rejected user may ask again.
func (a *Admissions) Request(room domain.RoomID, id domain.Identity) domain.AdmissionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	users, ok := a.rooms[room]
	if !ok {
		users = make(map[domain.ParticipantID]*admissionEntry)
		a.rooms[room] = users
	}
	if e, ok := users[id.ID]; ok && e.req.Status != domain.AdmissionRejected {
		return e.req
	}
	if _, ok := users[id.ID]; !ok {
		a.order[room] = append(a.order[room], id.ID)
	}
	e := &admissionEntry{
		req:     domain.AdmissionRequest{UserID: id.ID, Name: id.Name, Avatar: id.Avatar, Status: domain.AdmissionWaiting},
		decided: make(chan struct{}),
	}
	users[id.ID] = e
	log.Info().Str("module", "app.admissions").Str("room", string(room)).Str("user", string(id.ID)).Msg("admission requested")
	return e.req
}

func (a *Admissions) Status(room domain.RoomID, user domain.ParticipantID) (domain.AdmissionStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.rooms[room][user]
	if !ok {
		return "", false
	}
	return e.req.Status, true
}

// Waiting lists undecided requests in arrival order.
func (a *Admissions) Waiting(room domain.RoomID) []domain.AdmissionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []domain.AdmissionRequest{}
	for _, id := range a.order[room] {
		if e := a.rooms[room][id]; e.req.Status == domain.AdmissionWaiting {
			out = append(out, e.req)
		}
	}
	return out
}

// Decide admits or rejects a request and wakes its waiters.
func (a *Admissions) Decide(room domain.RoomID, user domain.ParticipantID, admit bool) (domain.AdmissionRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.rooms[room][user]
	if !ok {
		return domain.AdmissionRequest{}, domain.ErrAdmissionNotFound
	}
	status := domain.AdmissionRejected
	if admit {
		status = domain.AdmissionAdmitted
	}
	if e.req.Status == domain.AdmissionWaiting {
		close(e.decided)
	}
	e.req.Status = status
	log.Info().Str("module", "app.admissions").Str("room", string(room)).Str("user", string(user)).Str("status", string(status)).Msg("admission decided")
	return e.req, nil
}

// Wait blocks until the user's request is decided or ctx ends.
func (a *Admissions) Wait(ctx context.Context, room domain.RoomID, user domain.ParticipantID) (domain.AdmissionStatus, error) {
	a.mu.Lock()
	e, ok := a.rooms[room][user]
	a.mu.Unlock()
	if !ok {
		return "", domain.ErrAdmissionNotFound
	}
	select {
	case <-e.decided:
	case <-ctx.Done():
		return domain.AdmissionWaiting, ctx.Err()
	}
	status, _ := a.Status(room, user)
	return status, nil
}
