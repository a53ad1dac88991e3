package domain

import (
	"errors"
	"time"
)

const (
	MaxNameLen    = 50
	DefaultAvatar = "https://i.scdn.co/image/ab67616100005174305839f7ed0cdbc450e4ec97"
)

var (
	ErrNameTooLong = errors.New("name too long")
	ErrNameEmpty   = errors.New("name empty")
)

// Identity is what the auth collaborator hands us for a verified request.
type Identity struct {
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Avatar string        `json:"imgSrc,omitempty"`
}

func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

// Profile is the stored user record used to enrich a participant.
type Profile struct {
	ID     ParticipantID `db:"id"`
	Name   string        `db:"name"`
	Avatar *string       `db:"pfp_url"`
}

// Participant is a read-only view of a room member.
type Participant struct {
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Avatar string        `json:"imgSrc"`
}

// RoomRecord is the persisted room ("meet") owned by the records collaborator.
type RoomRecord struct {
	ID         RoomID        `json:"id" db:"id"`
	Creator    ParticipantID `json:"creator" db:"creator"`
	InviteOnly bool          `json:"inviteOnly" db:"invite_only"`
	CreatedAt  time.Time     `json:"createdAt" db:"created_at"`
}

type AdmissionStatus string

const (
	AdmissionWaiting  AdmissionStatus = "waiting"
	AdmissionAdmitted AdmissionStatus = "admitted"
	AdmissionRejected AdmissionStatus = "rejected"
)

// AdmissionRequest is one user asking to enter an invite-only room.
type AdmissionRequest struct {
	UserID ParticipantID   `json:"userId"`
	Name   string          `json:"userName"`
	Avatar string          `json:"pfp"`
	Status AdmissionStatus `json:"status"`
}

type RoomInfo struct {
	ID           RoomID `json:"id"`
	Participants int    `json:"participants"`
	Producers    int    `json:"producers"`
}
