package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/app"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

var ErrUnknownMethod = fmt.Errorf("unknown method: %w", domain.ErrValidation)

var errNoSession = fmt.Errorf("session %w", domain.ErrNotFound)

// Orchestrator is the session gateway: it turns one signaling request into
// one room call and fans room events out to the other sessions.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    *core.RoomManager
	Policy   app.Policy
	Limiter  *app.RateLimiter
	Metrics  *metrics.Metrics
}

func New(registry *app.Registry, rooms *core.RoomManager, policy app.Policy, limiter *app.RateLimiter, m *metrics.Metrics) *Orchestrator {
	o := &Orchestrator{
		Registry: registry,
		Rooms:    rooms,
		Policy:   policy,
		Limiter:  limiter,
		Metrics:  m,
	}
	rooms.Observe(core.RoomHooks{
		OnCreate: o.watchRoom,
		OnClose:  o.roomClosed,
	})
	return o
}

// Dispatch runs method on behalf of session sid. Errors are request scoped;
// the caller reports them on the same channel.
func (o *Orchestrator) Dispatch(ctx context.Context, sid core.SessionID, method string, params json.RawMessage) (result any, err error) {
	method = canonical(method)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = domain.Classify(err).String()
		}
		o.Metrics.SignalRequest(method, outcome)
	}()

	roomID, sess, ok := o.Registry.Get(sid)
	if !ok {
		return nil, errNoSession
	}
	me := sess.Identity().ID
	if method != MethodPing && !o.Limiter.Allow(me) {
		return nil, domain.ErrRateLimited
	}

	switch method {
	case MethodPing:
		return "pong", nil
	case MethodInitialize:
		return o.initialize(ctx, roomID, sess)
	case MethodGetCapabilities:
		return o.Rooms.GetOrCreate(roomID).Capabilities(ctx)
	}

	switch method {
	case MethodCreateTransport:
		return o.createTransport(ctx, roomID, me, params)
	case MethodTransportConnect:
		return o.transportConnect(ctx, roomID, me, params)
	case MethodTransportProduce:
		return o.transportProduce(ctx, roomID, me, params)
	case MethodTransportConsume:
		return o.transportConsume(ctx, roomID, me, params)
	case MethodConsumeOne:
		return o.consumeOne(ctx, roomID, me, params)
	case MethodResumeConsumer:
		return o.resumeConsumer(ctx, roomID, me, params)
	case MethodListParticipants:
		return o.listParticipants(roomID, me)
	case MethodCloseProducer:
		return o.closeProducer(roomID, me, params)
	case MethodCloseTransport:
		return o.closeTransport(roomID, me, params)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// room resolves the live room a request targets. Params are validated
// before it is called.
func (o *Orchestrator) room(id domain.RoomID) (*core.Room, error) {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// watchRoom forwards room events to the sessions of the other participants.
func (o *Orchestrator) watchRoom(room *core.Room) {
	id := room.ID()
	room.Events().Subscribe(func(ev core.Event) {
		method, payload, ok := notificationOf(ev)
		if !ok {
			return
		}
		o.broadcast(id, ev.Participant, method, payload)
	})
}

func notificationOf(ev core.Event) (string, any, bool) {
	switch ev.Type {
	case core.EventParticipantJoined:
		return NotifyParticipantJoined, joinedPayload{
			UserID: ev.Participant,
			Name:   ev.Profile.Name,
			ImgSrc: ev.Profile.Avatar,
		}, true
	case core.EventParticipantLeft:
		return NotifyParticipantLeft, leftPayload{ID: ev.Participant, Name: ev.Profile.Name}, true
	case core.EventProducerAdded:
		return NotifyNewProducer, producerPayload{UserID: ev.Participant, ProducerID: ev.Producer, Kind: ev.Kind}, true
	case core.EventProducerClosed:
		return NotifyProducerClosed, producerPayload{UserID: ev.Participant, ProducerID: ev.Producer, Kind: ev.Kind}, true
	}
	return "", nil, false
}

func (o *Orchestrator) broadcast(room domain.RoomID, from domain.ParticipantID, method string, payload any) {
	for _, mate := range o.Registry.RoomMates(room, from) {
		err := mate.Session.Signal().Notify(context.Background(), method, payload)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrBackpressure) {
			log.Debug().Err(err).Str("module", "orch").Str("sid", string(mate.SID)).Str("method", method).Msg("notify failed")
			continue
		}
		o.onBackPressure(room, mate)
	}
}

func (o *Orchestrator) onBackPressure(room domain.RoomID, slow app.Member) {
	action := app.NoAction
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(room, slow.Session)
	}
	log.Warn().Str("module", "orch").Str("room", string(room)).Str("sid", string(slow.SID)).
		Stringer("action", action).Msg("slow session")
	switch action {
	case app.KickMember:
		o.Kick(slow.SID)
	case app.DropMessage, app.NoAction:
	}
}

// roomClosed disconnects the sessions of a room the engine gave up on.
func (o *Orchestrator) roomClosed(room *core.Room) {
	if room.Err() == nil {
		return
	}
	for _, m := range o.Registry.MembersOfRoom(room.ID()) {
		o.Kick(m.SID)
	}
}
