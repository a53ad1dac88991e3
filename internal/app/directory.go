package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

// RoomView is a room record with its live state.
type RoomView struct {
	domain.RoomRecord
	Live         bool `json:"live"`
	Participants int  `json:"participants"`
	Producers    int  `json:"producers"`
}

// RoomDirectory joins persisted room records with the live rooms and
// guards entry into invite-only rooms.
type RoomDirectory struct {
	store      core.RoomStore
	rooms      *core.RoomManager
	admissions *Admissions
}

func NewRoomDirectory(store core.RoomStore, rooms *core.RoomManager) *RoomDirectory {
	return &RoomDirectory{store: store, rooms: rooms, admissions: NewAdmissions()}
}

func (d *RoomDirectory) Create(ctx context.Context, creator domain.ParticipantID, inviteOnly bool) (domain.RoomRecord, error) {
	rec, err := d.store.CreateRoom(ctx, creator, inviteOnly)
	if err != nil {
		return domain.RoomRecord{}, fmt.Errorf("create room: %w", err)
	}
	return rec, nil
}

func (d *RoomDirectory) Describe(ctx context.Context, id domain.RoomID) (RoomView, error) {
	rec, err := d.store.Room(ctx, id)
	if err != nil {
		return RoomView{}, err
	}
	view := RoomView{RoomRecord: rec}
	if room, ok := d.rooms.Get(id); ok && !room.Closed() {
		info := room.Info()
		view.Live = true
		view.Participants = info.Participants
		view.Producers = info.Producers
	}
	return view, nil
}

func (d *RoomDirectory) Live() []domain.RoomInfo {
	return d.rooms.List()
}

// Update changes the room's settings. Only the creator may do so.
func (d *RoomDirectory) Update(ctx context.Context, id domain.RoomID, by domain.ParticipantID, inviteOnly bool) (domain.RoomRecord, error) {
	if _, err := d.owned(ctx, id, by); err != nil {
		return domain.RoomRecord{}, err
	}
	return d.store.UpdateRoom(ctx, id, inviteOnly)
}

// CanJoin returns domain.ErrAdmissionRequired when user may not open a
// signaling session in the room.
func (d *RoomDirectory) CanJoin(ctx context.Context, id domain.RoomID, user domain.ParticipantID) error {
	rec, err := d.store.Room(ctx, id)
	if err != nil {
		return err
	}
	if !rec.InviteOnly || rec.Creator == user {
		return nil
	}
	if status, _ := d.admissions.Status(id, user); status == domain.AdmissionAdmitted {
		return nil
	}
	return domain.ErrAdmissionRequired
}

// RequestAdmission queues the identity for the creator's decision. Open
// rooms and their creator are admitted at once.
func (d *RoomDirectory) RequestAdmission(ctx context.Context, id domain.RoomID, who domain.Identity) (domain.AdmissionRequest, error) {
	rec, err := d.store.Room(ctx, id)
	if err != nil {
		return domain.AdmissionRequest{}, err
	}
	if !rec.InviteOnly || rec.Creator == who.ID {
		return domain.AdmissionRequest{UserID: who.ID, Name: who.Name, Avatar: who.Avatar, Status: domain.AdmissionAdmitted}, nil
	}
	return d.admissions.Request(id, who), nil
}

// AdmissionStatus reports the user's standing, waiting up to ctx for a
// decision when wait is set.
func (d *RoomDirectory) AdmissionStatus(ctx context.Context, id domain.RoomID, user domain.ParticipantID, wait bool) (domain.AdmissionStatus, error) {
	err := d.CanJoin(ctx, id, user)
	switch {
	case err == nil:
		return domain.AdmissionAdmitted, nil
	case !errors.Is(err, domain.ErrAdmissionRequired):
		return "", err
	}
	if wait {
		status, err := d.admissions.Wait(ctx, id, user)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return status, nil
		}
		return status, err
	}
	status, ok := d.admissions.Status(id, user)
	if !ok {
		return "", domain.ErrAdmissionNotFound
	}
	return status, nil
}

// Waiters lists pending requests for the creator.
func (d *RoomDirectory) Waiters(ctx context.Context, id domain.RoomID, by domain.ParticipantID) ([]domain.AdmissionRequest, error) {
	if _, err := d.owned(ctx, id, by); err != nil {
		return nil, err
	}
	return d.admissions.Waiting(id), nil
}

// Decide admits or rejects a waiting user on behalf of the creator.
func (d *RoomDirectory) Decide(ctx context.Context, id domain.RoomID, by, user domain.ParticipantID, admit bool) (domain.AdmissionRequest, error) {
	if _, err := d.owned(ctx, id, by); err != nil {
		return domain.AdmissionRequest{}, err
	}
	return d.admissions.Decide(id, user, admit)
}

func (d *RoomDirectory) owned(ctx context.Context, id domain.RoomID, by domain.ParticipantID) (domain.RoomRecord, error) {
	rec, err := d.store.Room(ctx, id)
	if err != nil {
		return domain.RoomRecord{}, err
	}
	if rec.Creator != by {
		return domain.RoomRecord{}, domain.ErrNotOwner
	}
	return rec, nil
}
