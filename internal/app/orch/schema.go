package orch

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/confcast/internal/domain"
)

// Signaling methods.
const (
	MethodInitialize       = "initialize"
	MethodGetCapabilities  = "getCapabilities"
	MethodCreateTransport  = "createTransport"
	MethodTransportConnect = "transportConnect"
	MethodTransportProduce = "transportProduce"
	MethodTransportConsume = "transportConsume"
	MethodConsumeOne       = "consumeOne"
	MethodResumeConsumer   = "resumeConsumer"
	MethodListParticipants = "listParticipants"
	MethodCloseProducer    = "closeProducer"
	MethodCloseTransport   = "closeTransport"
	MethodPing             = "ping"
)

// Server notifications.
const (
	NotifyParticipantJoined = "participant-joined"
	NotifyParticipantLeft   = "participant-left"
	NotifyNewProducer       = "new-producer"
	NotifyProducerClosed    = "producer-closed"
)

// aliases accepts the method names older clients still send.
var aliases = map[string]string{
	"getRTPCapabilities":     MethodGetCapabilities,
	"consumeNewUser":         MethodConsumeOne,
	"resumeConsumeTransport": MethodResumeConsumer,
	"getAllUsersInRoom":      MethodListParticipants,
}

func canonical(method string) string {
	if m, ok := aliases[method]; ok {
		return m
	}
	return method
}

type createTransportParams struct {
	Consumer *bool `json:"consumer" validate:"required"`
}

type transportConnectParams struct {
	TransportID    domain.TransportID     `json:"transportId" validate:"required"`
	DTLSParameters *domain.DTLSParameters `json:"dtlsParameters" validate:"required"`
	ICEParameters  *domain.ICEParameters  `json:"iceParameters,omitempty"`
	Consumer       *bool                  `json:"consumer" validate:"required"`
}

type transportProduceParams struct {
	TransportID   domain.TransportID    `json:"transportId" validate:"required"`
	Kind          domain.MediaKind      `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters *domain.RTPParameters `json:"rtpParameters" validate:"required"`
	AppData       map[string]any        `json:"appData,omitempty"`
}

type transportConsumeParams struct {
	RTPCapabilities *domain.Capabilities `json:"rtpCapabilities" validate:"required"`
}

type consumeOneParams struct {
	ProducerID      domain.ProducerID    `json:"producerId" validate:"required"`
	RTPCapabilities *domain.Capabilities `json:"rtpCapabilities" validate:"required"`
}

type resumeConsumerParams struct {
	ConsumerID domain.ConsumerID `json:"consumerId" validate:"required"`
}

type closeProducerParams struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type closeTransportParams struct {
	TransportID domain.TransportID `json:"transportId" validate:"required"`
}

// Responses and notification payloads.

type producerPayload struct {
	UserID     domain.ParticipantID `json:"userId"`
	ProducerID domain.ProducerID    `json:"producerId"`
	Kind       domain.MediaKind     `json:"kind"`
}

type joinedPayload struct {
	UserID domain.ParticipantID `json:"userId"`
	Name   string               `json:"name"`
	ImgSrc string               `json:"imgSrc"`
}

type leftPayload struct {
	ID   domain.ParticipantID `json:"id"`
	Name string               `json:"name"`
}

type consumerPayload struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	UserID        domain.ParticipantID `json:"userId,omitempty"`
}

func consumerOf(c domain.ConsumerInfo) consumerPayload {
	return consumerPayload{
		ID:            c.ID,
		ProducerID:    c.ProducerID,
		Kind:          c.Kind,
		RTPParameters: c.RTPParameters,
		UserID:        c.Owner,
	}
}

type ack struct {
	OK bool `json:"ok"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode unmarshals params into v and checks it against its schema.
// Any failure wraps domain.ErrValidation.
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
