package core

import (
	"context"
	"errors"

	"github.com/dkeye/confcast/internal/domain"
)

func discardTransport(t MediaTransport) { t.Close() }
func discardProducer(p MediaProducer)   { p.Close() }
func discardConsumer(c MediaConsumer)   { c.Close() }
func discardMirror(m MirrorEndpoint)    { m.Close() }

func (r *Room) participantLocked(id domain.ParticipantID) (*participantEntry, error) {
	if err := r.checkOpenLocked(); err != nil {
		return nil, err
	}
	p, ok := r.participants[id]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return p, nil
}

// ownedTransportLocked resolves a transport that must belong to owner and
// run in dir.
func (r *Room) ownedTransportLocked(owner domain.ParticipantID, id domain.TransportID, dir domain.Direction) (*transportEntry, error) {
	if _, err := r.participantLocked(owner); err != nil {
		return nil, err
	}
	t, ok := r.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if t.owner != owner {
		return nil, domain.ErrNotOwner
	}
	if t.dir != dir {
		return nil, domain.ErrDirectionMismatch
	}
	return t, nil
}

// CreateTransport allocates a transport for the participant. A participant
// keeps at most one transport per direction; the most recent one wins and
// the previous one is closed with everything attached to it.
func (r *Room) CreateTransport(ctx context.Context, owner domain.ParticipantID, dir domain.Direction) (domain.TransportDescriptor, error) {
	r.mu.Lock()
	p, err := r.participantLocked(owner)
	r.mu.Unlock()
	if err != nil {
		return domain.TransportDescriptor{}, err
	}
	router, ok := r.caps.Router()
	if !ok {
		if err := r.caps.Fatal(); err != nil {
			return domain.TransportDescriptor{}, err
		}
		return domain.TransportDescriptor{}, domain.ErrNoCapabilitiesYet
	}

	deps := []dependency{{ctx: p.ctx, err: domain.ErrParticipantNotFound}}
	media, err := runBound(ctx, deps, func(ctx context.Context) (MediaTransport, error) {
		return router.NewWebRTCTransport(ctx, dir)
	}, discardTransport)
	if err != nil {
		return domain.TransportDescriptor{}, r.engineErr(err)
	}

	td := &teardown{}
	r.mu.Lock()
	if cur, err := r.participantLocked(owner); err != nil || cur != p {
		r.mu.Unlock()
		media.Close()
		if err == nil {
			err = domain.ErrParticipantNotFound
		}
		return domain.TransportDescriptor{}, err
	}
	if prev, ok := p.transports[dir]; ok {
		r.removeTransportLocked(prev, td)
	}
	tctx, cancel := context.WithCancel(context.Background())
	id := media.ID()
	r.transports[id] = &transportEntry{
		id:        id,
		owner:     owner,
		dir:       dir,
		media:     media,
		ctx:       tctx,
		cancel:    cancel,
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	p.transports[dir] = id
	r.mu.Unlock()

	r.finish(td)
	if len(td.transports) > 0 {
		r.logger.Debug().Str("participant", string(owner)).Str("direction", dir.String()).Msg("transport replaced")
	}
	r.logger.Debug().Str("participant", string(owner)).Str("transport", string(id)).Str("direction", dir.String()).Msg("transport created")
	return media.Descriptor(), nil
}

// ConnectTransport completes the DTLS handshake. It may succeed only once
// per transport; a failed attempt can be retried.
func (r *Room) ConnectTransport(ctx context.Context, owner domain.ParticipantID, id domain.TransportID, dir domain.Direction, params domain.ConnectionParams) error {
	r.mu.Lock()
	t, err := r.ownedTransportLocked(owner, id, dir)
	if err == nil && t.state != connIdle {
		err = domain.ErrAlreadyConnected
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t.state = connConnecting
	r.mu.Unlock()

	deps := []dependency{{ctx: t.ctx, err: domain.ErrTransportNotFound}}
	_, err = runBound(ctx, deps, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.media.Connect(ctx, params)
	}, nil)

	r.mu.Lock()
	if _, ok := r.transports[id]; ok {
		if err != nil {
			t.state = connIdle
		} else {
			t.state = connConnected
		}
	}
	r.mu.Unlock()
	if err != nil {
		return r.engineErr(err)
	}
	r.logger.Debug().Str("transport", string(id)).Msg("transport connected")
	return nil
}

// CloseTransport closes the transport with its producers and consumers.
// Closing an unknown transport is not an error.
func (r *Room) CloseTransport(owner domain.ParticipantID, id domain.TransportID) error {
	td := &teardown{}
	r.mu.Lock()
	t, ok := r.transports[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if t.owner != owner {
		r.mu.Unlock()
		return domain.ErrNotOwner
	}
	r.removeTransportLocked(id, td)
	r.mu.Unlock()
	r.finish(td)
	return nil
}

// CreateProducer registers a new media source on a send transport.
func (r *Room) CreateProducer(ctx context.Context, owner domain.ParticipantID, tid domain.TransportID, kind domain.MediaKind, params domain.RTPParameters, appData map[string]any) (domain.ProducerInfo, error) {
	if !kind.Valid() {
		return domain.ProducerInfo{}, domain.ErrInvalidKind
	}
	r.mu.Lock()
	t, err := r.ownedTransportLocked(owner, tid, domain.DirectionSend)
	r.mu.Unlock()
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	deps := []dependency{{ctx: t.ctx, err: domain.ErrTransportNotFound}}
	media, err := runBound(ctx, deps, func(ctx context.Context) (MediaProducer, error) {
		return t.media.Produce(ctx, kind, params)
	}, discardProducer)
	if err != nil {
		return domain.ProducerInfo{}, r.engineErr(err)
	}

	r.mu.Lock()
	if _, err := r.ownedTransportLocked(owner, tid, domain.DirectionSend); err != nil {
		r.mu.Unlock()
		media.Close()
		return domain.ProducerInfo{}, err
	}
	pctx, cancel := context.WithCancel(context.Background())
	id := media.ID()
	r.producers[id] = &producerEntry{
		seq:       r.nextSeqLocked(),
		id:        id,
		owner:     owner,
		transport: tid,
		kind:      kind,
		appData:   appData,
		media:     media,
		ctx:       pctx,
		cancel:    cancel,
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	t.producers[id] = struct{}{}
	r.participants[owner].producers[id] = struct{}{}
	r.bus.Enqueue(Event{Type: EventProducerAdded, Room: r.id, Participant: owner, Producer: id, Kind: kind})
	r.mu.Unlock()

	r.metrics.ProducerAdded(string(kind))
	r.logger.Info().Str("participant", string(owner)).Str("producer", string(id)).Str("kind", string(kind)).Msg("producer created")
	r.bus.Flush()
	return domain.ProducerInfo{ID: id, Kind: kind, Owner: owner}, nil
}

// CloseProducer closes one of the owner's producers and all consumers
// reading from it.
func (r *Room) CloseProducer(owner domain.ParticipantID, id domain.ProducerID) (domain.ProducerInfo, error) {
	td := &teardown{}
	r.mu.Lock()
	p, ok := r.producers[id]
	if !ok {
		r.mu.Unlock()
		return domain.ProducerInfo{}, domain.ErrProducerNotFound
	}
	if p.owner != owner {
		r.mu.Unlock()
		return domain.ProducerInfo{}, domain.ErrNotOwner
	}
	info := domain.ProducerInfo{ID: id, Kind: p.kind, Owner: owner}
	r.removeProducerLocked(id, td)
	r.mu.Unlock()
	r.finish(td)
	return info, nil
}

// CreateConsumer attaches a paused consumer for producerID to the owner's
// receive transport. An empty tid selects the current receive transport.
func (r *Room) CreateConsumer(ctx context.Context, owner domain.ParticipantID, tid domain.TransportID, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerInfo, error) {
	r.mu.Lock()
	p, err := r.participantLocked(owner)
	if err != nil {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, err
	}
	if tid == "" {
		tid = p.transports[domain.DirectionRecv]
	}
	t, err := r.ownedTransportLocked(owner, tid, domain.DirectionRecv)
	if err != nil {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, err
	}
	prod, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrProducerNotFound
	}
	if !r.caps.CanConsume(prod.media.RTPParameters(), caps) {
		r.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrIncompatibleCapabilities
	}
	r.mu.Unlock()

	deps := []dependency{
		{ctx: prod.ctx, err: domain.ErrProducerNotFound},
		{ctx: t.ctx, err: domain.ErrTransportNotFound},
	}
	media, err := runBound(ctx, deps, func(ctx context.Context) (MediaConsumer, error) {
		return t.media.Consume(ctx, prod.media, caps)
	}, discardConsumer)
	if err != nil {
		return domain.ConsumerInfo{}, r.engineErr(err)
	}

	r.mu.Lock()
	_, prodAlive := r.producers[producerID]
	_, tErr := r.ownedTransportLocked(owner, tid, domain.DirectionRecv)
	if !prodAlive || tErr != nil {
		r.mu.Unlock()
		media.Close()
		if !prodAlive {
			return domain.ConsumerInfo{}, domain.ErrProducerNotFound
		}
		return domain.ConsumerInfo{}, tErr
	}
	id := media.ID()
	r.consumers[id] = &consumerEntry{
		seq:       r.nextSeqLocked(),
		id:        id,
		owner:     owner,
		transport: tid,
		producer:  producerID,
		media:     media,
	}
	prod.consumers[id] = struct{}{}
	t.consumers[id] = struct{}{}
	r.participants[owner].consumers[id] = struct{}{}
	r.mu.Unlock()

	r.metrics.ConsumersChanged(1)
	r.logger.Debug().Str("participant", string(owner)).Str("consumer", string(id)).Str("producer", string(producerID)).Msg("consumer created")
	return domain.ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          prod.kind,
		RTPParameters: media.RTPParameters(),
		Owner:         prod.owner,
	}, nil
}

// ConsumeAll creates a consumer for every producer of every other
// participant the caller can decode. Producers it cannot decode are skipped
// silently; other per-producer failures are logged and skipped.
func (r *Room) ConsumeAll(ctx context.Context, owner domain.ParticipantID, caps domain.Capabilities) ([]domain.ConsumerInfo, error) {
	r.mu.Lock()
	p, err := r.participantLocked(owner)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	tid, ok := p.transports[domain.DirectionRecv]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	var targets []*producerEntry
	for _, other := range r.order {
		if other == owner {
			continue
		}
		targets = append(targets, r.sortedProducersLocked(r.participants[other].producers)...)
	}
	r.mu.Unlock()

	out := make([]domain.ConsumerInfo, 0, len(targets))
	for _, prod := range targets {
		if !r.caps.CanConsume(prod.media.RTPParameters(), caps) {
			continue
		}
		info, err := r.CreateConsumer(ctx, owner, tid, prod.id, caps)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, domain.ErrTransportNotFound) || errors.Is(err, domain.ErrParticipantNotFound) ||
				domain.Classify(err) == domain.ClassEngineUnavailable {
				return out, err
			}
			r.logger.Warn().Err(err).Str("producer", string(prod.id)).Msg("consume skipped")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// ResumeConsumer starts media flow on a paused consumer.
func (r *Room) ResumeConsumer(ctx context.Context, owner domain.ParticipantID, id domain.ConsumerID) error {
	r.mu.Lock()
	c, ok := r.consumers[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrConsumerNotFound
	}
	if c.owner != owner {
		r.mu.Unlock()
		return domain.ErrNotOwner
	}
	var deps []dependency
	if prod, ok := r.producers[c.producer]; ok {
		deps = append(deps, dependency{ctx: prod.ctx, err: domain.ErrConsumerNotFound})
	}
	if t, ok := r.transports[c.transport]; ok {
		deps = append(deps, dependency{ctx: t.ctx, err: domain.ErrConsumerNotFound})
	}
	r.mu.Unlock()

	_, err := runBound(ctx, deps, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.media.Resume(ctx)
	}, nil)
	return r.engineErr(err)
}

// Snapshot lists producers not owned by exclude, in creation order.
func (r *Room) Snapshot(exclude domain.ParticipantID) []domain.ProducerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProducerSnapshot, 0, len(r.producers))
	for _, p := range r.allProducersLocked() {
		if p.owner == exclude {
			continue
		}
		out = append(out, snapshotOf(p))
	}
	return out
}

// ActiveProducers lists every producer in creation order.
func (r *Room) ActiveProducers() []domain.ProducerSnapshot {
	return r.Snapshot("")
}

// Mirror asks the router for a plain-RTP endpoint carrying producerID.
// The endpoint is tied to the producer: it fails if the producer closes
// while the request is pending.
func (r *Room) Mirror(ctx context.Context, producerID domain.ProducerID, caps domain.Capabilities) (MirrorEndpoint, error) {
	r.mu.Lock()
	if err := r.checkOpenLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	prod, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	router, ok := r.caps.Router()
	if !ok {
		return nil, domain.ErrNoCapabilitiesYet
	}
	deps := []dependency{{ctx: prod.ctx, err: domain.ErrProducerNotFound}}
	ep, err := runBound(ctx, deps, func(ctx context.Context) (MirrorEndpoint, error) {
		return router.NewMirrorEndpoint(ctx, prod.media, caps)
	}, discardMirror)
	if err != nil {
		return nil, r.engineErr(err)
	}
	return ep, nil
}

func (r *Room) allProducersLocked() []*producerEntry {
	set := make(map[domain.ProducerID]struct{}, len(r.producers))
	for id := range r.producers {
		set[id] = struct{}{}
	}
	return r.sortedProducersLocked(set)
}

func snapshotOf(p *producerEntry) domain.ProducerSnapshot {
	return domain.ProducerSnapshot{
		ID:            p.id,
		Kind:          p.kind,
		Owner:         p.owner,
		RTPParameters: p.media.RTPParameters(),
	}
}
