package core

import (
	"context"

	"github.com/dkeye/confcast/internal/domain"
)

// UserStore is the user-record collaborator used to enrich participants.
type UserStore interface {
	Profile(ctx context.Context, id domain.ParticipantID) (domain.Profile, error)
}

// RoomStore is the room-record collaborator. Room returns
// domain.ErrRoomNotFound for unknown ids.
type RoomStore interface {
	CreateRoom(ctx context.Context, creator domain.ParticipantID, inviteOnly bool) (domain.RoomRecord, error)
	Room(ctx context.Context, id domain.RoomID) (domain.RoomRecord, error)
	UpdateRoom(ctx context.Context, id domain.RoomID, inviteOnly bool) (domain.RoomRecord, error)
}
