package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
)

func (o *Orchestrator) createTransport(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (domain.TransportDescriptor, error) {
	var p createTransportParams
	if err := decode(raw, &p); err != nil {
		return domain.TransportDescriptor{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return domain.TransportDescriptor{}, err
	}
	return room.CreateTransport(ctx, me, domain.DirectionFromConsumer(*p.Consumer))
}

func (o *Orchestrator) transportConnect(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (ack, error) {
	var p transportConnectParams
	if err := decode(raw, &p); err != nil {
		return ack{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return ack{}, err
	}
	params := domain.ConnectionParams{DTLS: *p.DTLSParameters, ICE: p.ICEParameters}
	if err := room.ConnectTransport(ctx, me, p.TransportID, domain.DirectionFromConsumer(*p.Consumer), params); err != nil {
		return ack{}, err
	}
	return ack{OK: true}, nil
}

func (o *Orchestrator) transportProduce(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (producerPayload, error) {
	var p transportProduceParams
	if err := decode(raw, &p); err != nil {
		return producerPayload{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return producerPayload{}, err
	}
	info, err := room.CreateProducer(ctx, me, p.TransportID, p.Kind, *p.RTPParameters, p.AppData)
	if err != nil {
		return producerPayload{}, err
	}
	return producerPayload{UserID: info.Owner, ProducerID: info.ID, Kind: info.Kind}, nil
}

func (o *Orchestrator) transportConsume(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) ([]consumerPayload, error) {
	var p transportConsumeParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return nil, err
	}
	consumers, err := room.ConsumeAll(ctx, me, *p.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	out := make([]consumerPayload, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, consumerOf(c))
	}
	log.Debug().Str("module", "orch").Str("room", string(room.ID())).Str("participant", string(me)).
		Int("consumers", len(out)).Msg("consumed room")
	return out, nil
}

func (o *Orchestrator) consumeOne(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (consumerPayload, error) {
	var p consumeOneParams
	if err := decode(raw, &p); err != nil {
		return consumerPayload{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return consumerPayload{}, err
	}
	c, err := room.CreateConsumer(ctx, me, "", p.ProducerID, *p.RTPCapabilities)
	if err != nil {
		return consumerPayload{}, err
	}
	return consumerOf(c), nil
}

func (o *Orchestrator) resumeConsumer(ctx context.Context, roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (ack, error) {
	var p resumeConsumerParams
	if err := decode(raw, &p); err != nil {
		return ack{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return ack{}, err
	}
	if err := room.ResumeConsumer(ctx, me, p.ConsumerID); err != nil {
		return ack{}, err
	}
	return ack{OK: true}, nil
}

func (o *Orchestrator) closeProducer(roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (producerPayload, error) {
	var p closeProducerParams
	if err := decode(raw, &p); err != nil {
		return producerPayload{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return producerPayload{}, err
	}
	info, err := room.CloseProducer(me, p.ProducerID)
	if err != nil {
		return producerPayload{}, err
	}
	return producerPayload{UserID: info.Owner, ProducerID: info.ID, Kind: info.Kind}, nil
}

func (o *Orchestrator) closeTransport(roomID domain.RoomID, me domain.ParticipantID, raw json.RawMessage) (ack, error) {
	var p closeTransportParams
	if err := decode(raw, &p); err != nil {
		return ack{}, err
	}
	room, err := o.room(roomID)
	if err != nil {
		return ack{}, err
	}
	if err := room.CloseTransport(me, p.TransportID); err != nil {
		return ack{}, err
	}
	return ack{OK: true}, nil
}
