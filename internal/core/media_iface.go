package core

import (
	"context"

	"github.com/dkeye/confcast/internal/domain"
)

// Engine is the media-transport subsystem. Its ICE/DTLS/RTP internals are
// opaque to the room; errors wrapping domain.ErrEngineUnavailable are fatal
// to the room that received them.
type Engine interface {
	NewRouter(ctx context.Context, codecs []domain.CodecCapability) (Router, error)
}

type Router interface {
	Capabilities() domain.Capabilities
	NewWebRTCTransport(ctx context.Context, dir domain.Direction) (MediaTransport, error)
	// NewMirrorEndpoint allocates a fresh local RTP endpoint carrying producer's
	// media, readable by a process on this host.
	NewMirrorEndpoint(ctx context.Context, producer MediaProducer, caps domain.Capabilities) (MirrorEndpoint, error)
	Close()
}

type MediaTransport interface {
	ID() domain.TransportID
	Descriptor() domain.TransportDescriptor
	Connect(ctx context.Context, params domain.ConnectionParams) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (MediaProducer, error)
	// Consume creates a paused consumer of producer.
	Consume(ctx context.Context, producer MediaProducer, caps domain.Capabilities) (MediaConsumer, error)
	Close()
}

type MediaProducer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Close()
}

type MediaConsumer interface {
	ID() domain.ConsumerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Resume(ctx context.Context) error
	Paused() bool
	Close()
}

// MirrorEndpoint is a one-way plain RTP feed of a single producer.
type MirrorEndpoint interface {
	IP() string
	Port() int
	RTPParameters() domain.RTPParameters
	Close()
}
