package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

// Connect binds a fresh signaling session. The participant joins the room
// on its first initialize request.
func (o *Orchestrator) Connect(sid core.SessionID, room domain.RoomID, identity domain.Identity, signal core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.Bind(sid, room, core.NewMemberSession(identity, signal), cancel)
}

func (o *Orchestrator) initialize(ctx context.Context, roomID domain.RoomID, sess core.MemberSession) (domain.Participant, error) {
	_, p, err := o.Rooms.Join(ctx, roomID, sess.Identity())
	if err != nil {
		return domain.Participant{}, err
	}
	log.Info().Str("module", "orch").Str("room", string(roomID)).Str("participant", string(p.ID)).Msg("participant initialized")
	return p, nil
}

// Disconnect forgets sid. The participant leaves the room with its last
// session; the room stops once empty. Cleanup never fails.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	roomID, sess, ok := o.Registry.Get(sid)
	if !ok {
		return
	}
	remaining, ok := o.Registry.Unbind(sid)
	if !ok || remaining > 0 {
		return
	}
	id := sess.Identity().ID
	if room, ok := o.Rooms.Get(roomID); ok {
		room.RemoveParticipant(id)
	}
	o.Limiter.Forget(id)
	if o.Rooms.StopIfEmpty(roomID) {
		log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room stopped")
	}
}

// Kick cancels the session; its connection handler then runs Disconnect.
func (o *Orchestrator) Kick(sid core.SessionID) bool {
	return o.Registry.Cancel(sid)
}

// EvictRoom disconnects every session of room and closes it.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, m := range o.Registry.MembersOfRoom(id) {
		o.Kick(m.SID)
	}
	if room, ok := o.Rooms.Get(id); ok {
		room.Close()
	}
}

func (o *Orchestrator) listParticipants(roomID domain.RoomID, me domain.ParticipantID) ([]domain.Participant, error) {
	room, err := o.room(roomID)
	if err != nil {
		return nil, err
	}
	all := room.Participants()
	out := make([]domain.Participant, 0, len(all))
	for _, p := range all {
		if p.ID != me {
			out = append(out, p)
		}
	}
	return out, nil
}
