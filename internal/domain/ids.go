// Package domain contains entities without logic, just meta-data
package domain

import "github.com/google/uuid"

type (
	RoomID        string
	ParticipantID string
	TransportID   string
	ProducerID    string
	ConsumerID    string
)

// NewID returns a random id. Ids are never reused within a process lifetime.
func NewID() string { return uuid.NewString() }

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

// DirectionFromConsumer maps the wire flag "consumer" to a transport direction.
func DirectionFromConsumer(consumer bool) Direction {
	if consumer {
		return DirectionRecv
	}
	return DirectionSend
}

func (d Direction) String() string {
	if d == DirectionRecv {
		return "recv"
	}
	return "send"
}
