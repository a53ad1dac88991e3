package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

// Loopback is an in-process engine that moves no media. Ids and mirror
// ports are deterministic, which makes it suitable for tests and for
// running the signalling plane without a network.
type Loopback struct {
	ip       string
	nextPort atomic.Int32
	dead     atomic.Bool

	mu       sync.Mutex
	holds    map[string]chan struct{}
	seq      map[string]int
	refusals map[domain.ProducerID]error
}

func NewLoopback(ip string, firstPort int) *Loopback {
	if ip == "" {
		ip = "127.0.0.1"
	}
	l := &Loopback{
		ip:    ip,
		holds:    make(map[string]chan struct{}),
		seq:      make(map[string]int),
		refusals: make(map[domain.ProducerID]error),
	}
	l.nextPort.Store(int32(firstPort))
	return l
}

// Kill makes every later engine call fail with domain.ErrEngineUnavailable.
func (l *Loopback) Kill() { l.dead.Store(true) }

// Hold blocks calls of op ("router", "transport", "connect", "produce",
// "consume", "resume", "mirror") until release is called or the caller's
// context ends.
func (l *Loopback) Hold(op string) (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.holds[op] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.holds[op] == ch {
				delete(l.holds, op)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// RefuseConsume makes every later Consume of producer fail with err.
func (l *Loopback) RefuseConsume(producer domain.ProducerID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refusals[producer] = err
}

func (l *Loopback) refusal(producer domain.ProducerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refusals[producer]
}

func (l *Loopback) enter(ctx context.Context, op string) error {
	if l.dead.Load() {
		return fmt.Errorf("loopback %s: %w", op, domain.ErrEngineUnavailable)
	}
	l.mu.Lock()
	ch := l.holds[op]
	l.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.dead.Load() {
		return fmt.Errorf("loopback %s: %w", op, domain.ErrEngineUnavailable)
	}
	return nil
}

func (l *Loopback) id(prefix string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq[prefix]++
	return fmt.Sprintf("%s-%d", prefix, l.seq[prefix])
}

func (l *Loopback) NewRouter(ctx context.Context, codecs []domain.CodecCapability) (core.Router, error) {
	if err := l.enter(ctx, "router"); err != nil {
		return nil, err
	}
	return &loopRouter{
		engine: l,
		caps: domain.Capabilities{
			Codecs:           append([]domain.CodecCapability(nil), codecs...),
			HeaderExtensions: domain.DefaultHeaderExtensions(),
		},
	}, nil
}

type loopRouter struct {
	engine *Loopback
	caps   domain.Capabilities
	closed atomic.Bool
}

func (r *loopRouter) Capabilities() domain.Capabilities { return r.caps }

func (r *loopRouter) NewWebRTCTransport(ctx context.Context, dir domain.Direction) (core.MediaTransport, error) {
	if err := r.engine.enter(ctx, "transport"); err != nil {
		return nil, err
	}
	id := domain.TransportID(r.engine.id("transport"))
	return &loopTransport{
		router: r,
		id:     id,
		dir:    dir,
		desc: domain.TransportDescriptor{
			ID: id,
			ICEParameters: domain.ICEParameters{
				UsernameFragment: string(id),
				Password:         "loopback",
				ICELite:          true,
			},
			ICECandidates: []domain.ICECandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				Address:    r.engine.ip,
				Protocol:   "udp",
				Port:       uint16(r.engine.nextPort.Add(1) - 1),
				Type:       "host",
			}},
			DTLSParameters: domain.DTLSParameters{
				Role: "auto",
				Fingerprints: []domain.DTLSFingerprint{{
					Algorithm: "sha-256",
					Value:     "00:00:00:00",
				}},
			},
		},
	}, nil
}

// NewMirrorEndpoint allocates the next port; nothing is actually sent to it.
func (r *loopRouter) NewMirrorEndpoint(ctx context.Context, producer core.MediaProducer, caps domain.Capabilities) (core.MirrorEndpoint, error) {
	if err := r.engine.enter(ctx, "mirror"); err != nil {
		return nil, err
	}
	params, ok := domain.ConsumableParameters(producer.RTPParameters(), caps)
	if !ok {
		return nil, fmt.Errorf("mirror %s: %w", producer.ID(), domain.ErrIncompatibleCapabilities)
	}
	return &loopMirror{ip: r.engine.ip, port: int(r.engine.nextPort.Add(2) - 2), params: params}, nil
}

func (r *loopRouter) Close() { r.closed.Store(true) }

type loopTransport struct {
	router *loopRouter
	id     domain.TransportID
	dir    domain.Direction
	desc   domain.TransportDescriptor
	closed atomic.Bool
}

func (t *loopTransport) ID() domain.TransportID                 { return t.id }
func (t *loopTransport) Descriptor() domain.TransportDescriptor { return t.desc }

func (t *loopTransport) Connect(ctx context.Context, _ domain.ConnectionParams) error {
	return t.router.engine.enter(ctx, "connect")
}

func (t *loopTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (core.MediaProducer, error) {
	if err := t.router.engine.enter(ctx, "produce"); err != nil {
		return nil, err
	}
	codec, ok := params.MediaCodec()
	if !ok {
		return nil, domain.ErrUnsupportedCodec
	}
	if _, ok := domain.FindCapability(codec, t.router.caps); !ok {
		return nil, fmt.Errorf("%s: %w", codec.MimeType, domain.ErrUnsupportedCodec)
	}
	return &loopProducer{
		id:     domain.ProducerID(t.router.engine.id("producer")),
		kind:   kind,
		params: params,
	}, nil
}

func (t *loopTransport) Consume(ctx context.Context, producer core.MediaProducer, caps domain.Capabilities) (core.MediaConsumer, error) {
	if err := t.router.engine.enter(ctx, "consume"); err != nil {
		return nil, err
	}
	if err := t.router.engine.refusal(producer.ID()); err != nil {
		return nil, fmt.Errorf("consume %s: %w", producer.ID(), err)
	}
	params, ok := domain.ConsumableParameters(producer.RTPParameters(), caps)
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}
	c := &loopConsumer{
		engine: t.router.engine,
		id:     domain.ConsumerID(t.router.engine.id("consumer")),
		kind:   producer.Kind(),
		params: params,
	}
	c.paused.Store(true)
	return c, nil
}

func (t *loopTransport) Close() { t.closed.Store(true) }

type loopProducer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RTPParameters
}

func (p *loopProducer) ID() domain.ProducerID               { return p.id }
func (p *loopProducer) Kind() domain.MediaKind              { return p.kind }
func (p *loopProducer) RTPParameters() domain.RTPParameters { return p.params }
func (p *loopProducer) Close()                              {}

type loopConsumer struct {
	engine *Loopback
	id     domain.ConsumerID
	kind   domain.MediaKind
	params domain.RTPParameters
	paused atomic.Bool
}

func (c *loopConsumer) ID() domain.ConsumerID               { return c.id }
func (c *loopConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *loopConsumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *loopConsumer) Paused() bool                        { return c.paused.Load() }
func (c *loopConsumer) Close()                              {}

func (c *loopConsumer) Resume(ctx context.Context) error {
	if err := c.engine.enter(ctx, "resume"); err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

type loopMirror struct {
	ip     string
	port   int
	params domain.RTPParameters
}

func (m *loopMirror) IP() string                          { return m.ip }
func (m *loopMirror) Port() int                           { return m.port }
func (m *loopMirror) RTPParameters() domain.RTPParameters { return m.params }
func (m *loopMirror) Close()                              {}
