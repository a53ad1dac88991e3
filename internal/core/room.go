package core

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

type connState int

const (
	connIdle connState = iota
	connConnecting
	connConnected
)

type participantEntry struct {
	info       domain.Participant
	ctx        context.Context
	cancel     context.CancelFunc
	transports map[domain.Direction]domain.TransportID
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

type transportEntry struct {
	id        domain.TransportID
	owner     domain.ParticipantID
	dir       domain.Direction
	media     MediaTransport
	state     connState
	ctx       context.Context
	cancel    context.CancelFunc
	producers map[domain.ProducerID]struct{}
	consumers map[domain.ConsumerID]struct{}
}

type producerEntry struct {
	seq       uint64
	id        domain.ProducerID
	owner     domain.ParticipantID
	transport domain.TransportID
	kind      domain.MediaKind
	appData   map[string]any
	media     MediaProducer
	ctx       context.Context
	cancel    context.CancelFunc
	consumers map[domain.ConsumerID]struct{}
}

type consumerEntry struct {
	seq       uint64
	id        domain.ConsumerID
	owner     domain.ParticipantID
	transport domain.TransportID
	producer  domain.ProducerID
	media     MediaConsumer
}

type RoomOptions struct {
	Codecs  []domain.CodecCapability
	Users   UserStore
	Metrics *metrics.Metrics
	// OnFatal is called once when the media engine becomes unavailable.
	OnFatal func(id domain.RoomID, err error)
}

// Room is the aggregate of one call: capability registry, transports,
// producers, consumers and the ownership index between them.
// Mutations are serialized on mu; engine calls run outside it.
type Room struct {
	id      domain.RoomID
	caps    *CapabilityRegistry
	users   UserStore
	bus     *Bus
	metrics *metrics.Metrics
	onFatal func(domain.RoomID, error)
	logger  zerolog.Logger

	fatalOnce sync.Once

	mu           sync.Mutex
	closed       bool
	seq          uint64
	order        []domain.ParticipantID
	participants map[domain.ParticipantID]*participantEntry
	transports   map[domain.TransportID]*transportEntry
	producers    map[domain.ProducerID]*producerEntry
	consumers    map[domain.ConsumerID]*consumerEntry
}

func NewRoom(id domain.RoomID, engine Engine, opts RoomOptions) *Room {
	return &Room{
		id:           id,
		caps:         NewCapabilityRegistry(engine, opts.Codecs),
		users:        opts.Users,
		bus:          NewBus(),
		metrics:      opts.Metrics,
		onFatal:      opts.OnFatal,
		logger:       log.With().Str("module", "core.room").Str("room", string(id)).Logger(),
		participants: make(map[domain.ParticipantID]*participantEntry),
		transports:   make(map[domain.TransportID]*transportEntry),
		producers:    make(map[domain.ProducerID]*producerEntry),
		consumers:    make(map[domain.ConsumerID]*consumerEntry),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }
func (r *Room) Events() *Bus      { return r.bus }

// teardown collects engine handles while mu is held, so that they can be
// closed after it is released. Events are enqueued under mu and flushed
// by finish.
type teardown struct {
	transports []MediaTransport
	producers  []MediaProducer
	consumers  []MediaConsumer
}

func (r *Room) finish(td *teardown) {
	for _, c := range td.consumers {
		c.Close()
	}
	for _, p := range td.producers {
		p.Close()
		r.metrics.ProducerClosed(string(p.Kind()))
	}
	for _, t := range td.transports {
		t.Close()
	}
	if n := len(td.consumers); n > 0 {
		r.metrics.ConsumersChanged(-n)
	}
	r.bus.Flush()
}

// engineErr marks the room dead when err means the engine is gone.
func (r *Room) engineErr(err error) error {
	if err == nil || domain.Classify(err) != domain.ClassEngineUnavailable {
		return err
	}
	r.fatalOnce.Do(func() {
		r.logger.Error().Err(err).Msg("media engine unavailable, closing room")
		r.caps.fail(err)
		r.Close()
		// The hook may stop workers that are waiting on this call.
		if r.onFatal != nil {
			go r.onFatal(r.id, err)
		}
	})
	return err
}

func (r *Room) checkOpenLocked() error {
	if r.closed {
		if err := r.caps.Fatal(); err != nil {
			return err
		}
		return domain.ErrRoomClosed
	}
	return nil
}

// Capabilities returns the room's negotiated capability set, creating the
// router on first use.
func (r *Room) Capabilities(ctx context.Context) (domain.Capabilities, error) {
	r.mu.Lock()
	err := r.checkOpenLocked()
	r.mu.Unlock()
	if err != nil {
		return domain.Capabilities{}, err
	}
	caps, err := r.caps.Capabilities(ctx)
	return caps, r.engineErr(err)
}

// CanConsume reports whether caps can decode the given producer.
func (r *Room) CanConsume(producerID domain.ProducerID, caps domain.Capabilities) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	if !ok {
		return false, domain.ErrProducerNotFound
	}
	return r.caps.CanConsume(p.media.RTPParameters(), caps), nil
}

// AddParticipant inserts the identity or returns the existing participant.
// The avatar is taken from the user store when it has one.
func (r *Room) AddParticipant(ctx context.Context, identity domain.Identity) (domain.Participant, error) {
	r.mu.Lock()
	if err := r.checkOpenLocked(); err != nil {
		r.mu.Unlock()
		return domain.Participant{}, err
	}
	if p, ok := r.participants[identity.ID]; ok {
		r.mu.Unlock()
		return p.info, nil
	}
	r.mu.Unlock()

	avatar := identity.Avatar
	if r.users != nil {
		profile, err := r.users.Profile(ctx, identity.ID)
		switch {
		case err != nil:
			r.logger.Warn().Err(err).Str("participant", string(identity.ID)).Msg("profile lookup failed")
		case profile.Avatar != nil && *profile.Avatar != "":
			avatar = *profile.Avatar
		}
	}
	if avatar == "" {
		avatar = domain.DefaultAvatar
	}

	r.mu.Lock()
	if err := r.checkOpenLocked(); err != nil {
		r.mu.Unlock()
		return domain.Participant{}, err
	}
	if p, ok := r.participants[identity.ID]; ok {
		r.mu.Unlock()
		return p.info, nil
	}
	info := domain.Participant{ID: identity.ID, Name: identity.Name, Avatar: avatar}
	pctx, cancel := context.WithCancel(context.Background())
	r.participants[identity.ID] = &participantEntry{
		info:       info,
		ctx:        pctx,
		cancel:     cancel,
		transports: make(map[domain.Direction]domain.TransportID),
		producers:  make(map[domain.ProducerID]struct{}),
		consumers:  make(map[domain.ConsumerID]struct{}),
	}
	r.order = append(r.order, identity.ID)
	r.bus.Enqueue(Event{Type: EventParticipantJoined, Room: r.id, Participant: identity.ID, Profile: info})
	r.mu.Unlock()

	r.metrics.ParticipantJoined()
	r.logger.Info().Str("participant", string(identity.ID)).Msg("participant added")
	r.bus.Flush()
	return info, nil
}

// RemoveParticipant tears down everything the participant owns. It is
// idempotent and never fails: cleanup always runs to completion.
func (r *Room) RemoveParticipant(id domain.ParticipantID) {
	td := &teardown{}
	r.mu.Lock()
	p, ok := r.participants[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeParticipantLocked(p, td)
	r.mu.Unlock()

	r.finish(td)
	r.metrics.ParticipantLeft()
	r.logger.Info().Str("participant", string(id)).Int("producers_closed", len(td.producers)).Msg("participant removed")
}

func (r *Room) removeParticipantLocked(p *participantEntry, td *teardown) {
	id := p.info.ID
	p.cancel()
	for _, tid := range p.transports {
		r.removeTransportLocked(tid, td)
	}
	for pid := range p.producers {
		r.removeProducerLocked(pid, td)
	}
	for cid := range p.consumers {
		r.removeConsumerLocked(cid, td)
	}
	delete(r.participants, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.bus.Enqueue(Event{Type: EventParticipantLeft, Room: r.id, Participant: id, Profile: p.info})
}

func (r *Room) removeConsumerLocked(cid domain.ConsumerID, td *teardown) {
	c, ok := r.consumers[cid]
	if !ok {
		return
	}
	delete(r.consumers, cid)
	if p, ok := r.producers[c.producer]; ok {
		delete(p.consumers, cid)
	}
	if t, ok := r.transports[c.transport]; ok {
		delete(t.consumers, cid)
	}
	if p, ok := r.participants[c.owner]; ok {
		delete(p.consumers, cid)
	}
	td.consumers = append(td.consumers, c.media)
}

func (r *Room) removeProducerLocked(pid domain.ProducerID, td *teardown) {
	p, ok := r.producers[pid]
	if !ok {
		return
	}
	p.cancel()
	for cid := range p.consumers {
		r.removeConsumerLocked(cid, td)
	}
	delete(r.producers, pid)
	if t, ok := r.transports[p.transport]; ok {
		delete(t.producers, pid)
	}
	if owner, ok := r.participants[p.owner]; ok {
		delete(owner.producers, pid)
	}
	td.producers = append(td.producers, p.media)
	r.bus.Enqueue(Event{
		Type:        EventProducerClosed,
		Room:        r.id,
		Participant: p.owner,
		Producer:    pid,
		Kind:        p.kind,
	})
}

func (r *Room) removeTransportLocked(tid domain.TransportID, td *teardown) {
	t, ok := r.transports[tid]
	if !ok {
		return
	}
	t.cancel()
	for pid := range t.producers {
		r.removeProducerLocked(pid, td)
	}
	for cid := range t.consumers {
		r.removeConsumerLocked(cid, td)
	}
	delete(r.transports, tid)
	if owner, ok := r.participants[t.owner]; ok && owner.transports[t.dir] == tid {
		delete(owner.transports, t.dir)
	}
	td.transports = append(td.transports, t.media)
}

// Participants lists members in join order.
func (r *Room) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.participants[id].info)
	}
	return out
}

func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{ID: r.id, Participants: len(r.participants), Producers: len(r.producers)}
}

// Err returns the engine failure that closed the room, if any.
func (r *Room) Err() error { return r.caps.Fatal() }

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CloseIfEmpty closes the room when nobody is in it.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	if r.closed || len(r.participants) > 0 {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()
	r.caps.Close()
	r.logger.Info().Msg("room closed (empty)")
	return true
}

// Close tears down every entity and releases the router.
func (r *Room) Close() {
	td := &teardown{}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	left := len(r.participants)
	for _, id := range append([]domain.ParticipantID(nil), r.order...) {
		r.removeParticipantLocked(r.participants[id], td)
	}
	r.mu.Unlock()

	r.finish(td)
	for i := 0; i < left; i++ {
		r.metrics.ParticipantLeft()
	}
	r.caps.Close()
	r.logger.Info().Int("participants", left).Msg("room closed")
}

func (r *Room) nextSeqLocked() uint64 {
	r.seq++
	return r.seq
}

// sortedProducersLocked returns ids in creation order.
func (r *Room) sortedProducersLocked(set map[domain.ProducerID]struct{}) []*producerEntry {
	out := make([]*producerEntry, 0, len(set))
	for id := range set {
		if p, ok := r.producers[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
