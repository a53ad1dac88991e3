package domain

import (
	"errors"
	"fmt"
)

// Error classes. Every error surfaced by the room wraps exactly one of them.
var (
	ErrValidation               = errors.New("validation error")
	ErrNotFound                 = errors.New("not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrEngineUnavailable        = errors.New("media engine unavailable")
	ErrPipeline                 = errors.New("pipeline error")
)

var (
	ErrRoomNotFound        = fmt.Errorf("room %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrTransportNotFound   = fmt.Errorf("transport %w", ErrNotFound)
	ErrProducerNotFound    = fmt.Errorf("producer %w", ErrNotFound)
	ErrConsumerNotFound    = fmt.Errorf("consumer %w", ErrNotFound)
	ErrRoomClosed          = fmt.Errorf("room closed: %w", ErrNotFound)

	ErrNotOwner          = fmt.Errorf("not owner: %w", ErrUnauthorized)
	ErrAdmissionRequired = fmt.Errorf("admission required: %w", ErrUnauthorized)
	ErrAdmissionNotFound = fmt.Errorf("admission request %w", ErrNotFound)

	ErrNoCapabilitiesYet = fmt.Errorf("capabilities not negotiated yet: %w", ErrValidation)
	ErrDirectionMismatch = fmt.Errorf("transport direction mismatch: %w", ErrValidation)
	ErrAlreadyConnected  = fmt.Errorf("transport already connected: %w", ErrValidation)
	ErrInvalidKind       = fmt.Errorf("invalid media kind: %w", ErrValidation)
	ErrUnsupportedCodec  = fmt.Errorf("unsupported codec: %w", ErrValidation)
	ErrRateLimited       = fmt.Errorf("rate_limited: %w", ErrValidation)
)

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassNotFound
	ClassUnauthorized
	ClassIncompatible
	ClassEngineUnavailable
	ClassPipeline
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "ValidationError"
	case ClassNotFound:
		return "NotFoundError"
	case ClassUnauthorized:
		return "UnauthorizedError"
	case ClassIncompatible:
		return "IncompatibleCapabilities"
	case ClassEngineUnavailable:
		return "EngineUnavailable"
	case ClassPipeline:
		return "PipelineError"
	default:
		return "InternalError"
	}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrEngineUnavailable):
		return ClassEngineUnavailable
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	case errors.Is(err, ErrIncompatibleCapabilities):
		return ClassIncompatible
	case errors.Is(err, ErrPipeline):
		return ClassPipeline
	default:
		return ClassInternal
	}
}
