package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/adapters/rtc"
	"github.com/dkeye/confcast/internal/app/sfu"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type WebRTCConfig struct {
	// ListenIP restricts candidates to one local address. Empty means all.
	ListenIP string
	// AnnouncedIP replaces host candidate addresses, e.g. behind 1:1 NAT.
	AnnouncedIP     string
	PortMin         uint16
	PortMax         uint16
	MirrorIP        string
	IncludeLoopback bool
}

// WebRTC is an ICE-lite SFU built from pion ORTC objects. Every router has
// its own relay set; every transport its own pion API so that producer
// payload types can be registered per peer.
type WebRTC struct {
	cfg      WebRTCConfig
	settings webrtc.SettingEngine
}

func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	if cfg.MirrorIP == "" {
		cfg.MirrorIP = "127.0.0.1"
	}
	var s webrtc.SettingEngine
	s.SetLite(true)
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	s.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range %d-%d: %w", cfg.PortMin, cfg.PortMax, err)
		}
	}
	if cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.ListenIP != "" {
		listen := net.ParseIP(cfg.ListenIP)
		if listen == nil {
			return nil, fmt.Errorf("listen ip %q: invalid address", cfg.ListenIP)
		}
		s.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}
	return &WebRTC{cfg: cfg, settings: s}, nil
}

func (e *WebRTC) NewRouter(ctx context.Context, codecs []domain.CodecCapability) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &webrtcRouter{
		engine: e,
		caps: domain.Capabilities{
			Codecs:           append([]domain.CodecCapability(nil), codecs...),
			HeaderExtensions: domain.DefaultHeaderExtensions(),
		},
		relays:     sfu.NewRelayManager(),
		transports: make(map[domain.TransportID]*webrtcTransport),
		mirrors:    make(map[*webrtcMirror]struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	// Fail early if the codec set cannot be registered.
	if _, _, err := r.newAPI(); err != nil {
		r.cancel()
		return nil, fmt.Errorf("router codecs: %v: %w", err, domain.ErrEngineUnavailable)
	}
	return r, nil
}

type webrtcRouter struct {
	engine *WebRTC
	caps   domain.Capabilities
	relays *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transports map[domain.TransportID]*webrtcTransport
	mirrors    map[*webrtcMirror]struct{}
	closed     bool
}

func (r *webrtcRouter) Capabilities() domain.Capabilities { return r.caps }

func (r *webrtcRouter) newAPI() (*webrtc.API, *webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range r.caps.Codecs {
		if err := m.RegisterCodec(codecParameters(c), codecType(c.Kind)); err != nil {
			return nil, nil, err
		}
	}
	for _, ext := range r.caps.HeaderExtensions {
		err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, codecType(ext.Kind))
		if err != nil {
			return nil, nil, err
		}
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(r.engine.settings),
		webrtc.WithInterceptorRegistry(reg),
	)
	return api, m, nil
}

func (r *webrtcRouter) NewWebRTCTransport(ctx context.Context, dir domain.Direction) (core.MediaTransport, error) {
	api, media, err := r.newAPI()
	if err != nil {
		return nil, fmt.Errorf("transport api: %w", err)
	}
	id := domain.TransportID(domain.NewID())
	conn, err := rtc.NewConnection(ctx, api, string(id))
	if err != nil {
		return nil, err
	}
	t := &webrtcTransport{
		router:    r,
		id:        id,
		dir:       dir,
		api:       api,
		media:     media,
		conn:      conn,
		producers: make(map[domain.ProducerID]*webrtcProducer),
		consumers: make(map[domain.ConsumerID]*webrtcConsumer),
		logger:    log.With().Str("module", "engine.webrtc").Str("transport", string(id)).Logger(),
	}
	local := iceParameters(conn.LocalICE())
	local.ICELite = true
	t.desc = domain.TransportDescriptor{
		ID:             id,
		ICEParameters:  local,
		ICECandidates:  iceCandidates(conn.LocalCandidates()),
		DTLSParameters: dtlsParameters(conn.LocalDTLS()),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("router closed: %w", domain.ErrRoomClosed)
	}
	r.transports[id] = t
	r.mu.Unlock()
	conn.OnClosed(func() { r.forget(t) })
	return t, nil
}

func (r *webrtcRouter) forget(t *webrtcTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transports[t.id] == t {
		delete(r.transports, t.id)
	}
}

func (r *webrtcRouter) NewMirrorEndpoint(ctx context.Context, producer core.MediaProducer, caps domain.Capabilities) (core.MirrorEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params, ok := domain.ConsumableParameters(producer.RTPParameters(), caps)
	if !ok {
		return nil, fmt.Errorf("mirror %s: %w", producer.ID(), domain.ErrIncompatibleCapabilities)
	}
	if !r.relays.HasRelay(string(producer.ID())) {
		return nil, fmt.Errorf("mirror %s: %w", producer.ID(), domain.ErrProducerNotFound)
	}
	m, err := newMirror(r.engine.cfg.MirrorIP, params)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: %w", producer.ID(), err)
	}
	m.producer = string(producer.ID())
	m.relays = r.relays
	if _, ok := r.relays.AddSubscriber(m.producer, m.key, m.writer, false); !ok {
		m.writer.Close()
		return nil, fmt.Errorf("mirror %s: %w", producer.ID(), domain.ErrProducerNotFound)
	}

	r.mu.Lock()
	r.mirrors[m] = struct{}{}
	r.mu.Unlock()
	m.onClose = func() {
		r.mu.Lock()
		delete(r.mirrors, m)
		r.mu.Unlock()
	}
	log.Debug().
		Str("module", "engine.webrtc").
		Str("producer", m.producer).
		Int("port", m.port).
		Msg("mirror endpoint open")
	return m, nil
}

func (r *webrtcRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*webrtcTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	mirrors := make([]*webrtcMirror, 0, len(r.mirrors))
	for m := range r.mirrors {
		mirrors = append(mirrors, m)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, m := range mirrors {
		m.Close()
	}
	r.relays.Close()
	r.cancel()
}

type webrtcTransport struct {
	router *webrtcRouter
	id     domain.TransportID
	dir    domain.Direction
	desc   domain.TransportDescriptor
	api    *webrtc.API
	media  *webrtc.MediaEngine
	conn   *rtc.Connection
	logger zerolog.Logger

	mu        sync.Mutex
	producers map[domain.ProducerID]*webrtcProducer
	consumers map[domain.ConsumerID]*webrtcConsumer
}

func (t *webrtcTransport) ID() domain.TransportID                 { return t.id }
func (t *webrtcTransport) Descriptor() domain.TransportDescriptor { return t.desc }

// Connect hands the remote parameters to the ICE/DTLS transports and returns
// without waiting for the handshake.
func (t *webrtcTransport) Connect(ctx context.Context, params domain.ConnectionParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if params.ICE == nil {
		return fmt.Errorf("ice parameters required: %w", domain.ErrValidation)
	}
	remote, err := remoteDTLS(params.DTLS)
	if err != nil {
		return err
	}
	t.conn.Start(webrtc.ICEParameters{
		UsernameFragment: params.ICE.UsernameFragment,
		Password:         params.ICE.Password,
		ICELite:          params.ICE.ICELite,
	}, remote)
	return nil
}

func (t *webrtcTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (core.MediaProducer, error) {
	codec, ok := params.MediaCodec()
	if !ok {
		return nil, domain.ErrUnsupportedCodec
	}
	capability, ok := domain.FindCapability(codec, t.router.caps)
	if !ok {
		return nil, fmt.Errorf("%s: %w", codec.MimeType, domain.ErrUnsupportedCodec)
	}
	ssrc := params.SSRC()
	if ssrc == 0 {
		return nil, fmt.Errorf("producer without ssrc: %w", domain.ErrValidation)
	}
	// The peer's payload type must resolve to a codec once packets arrive.
	incoming := codecParameters(capability)
	incoming.PayloadType = webrtc.PayloadType(codec.PayloadType)
	if err := t.media.RegisterCodec(incoming, codecType(kind)); err != nil {
		return nil, fmt.Errorf("register payload type %d: %w", codec.PayloadType, err)
	}

	if err := t.conn.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("produce on %s: %w", t.id, err)
	}
	receiver, err := t.api.NewRTPReceiver(codecType(kind), t.conn.DTLS())
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive ssrc %d: %w", ssrc, err)
	}

	p := &webrtcProducer{
		transport: t,
		id:        domain.ProducerID(domain.NewID()),
		kind:      kind,
		params:    params,
		receiver:  receiver,
	}
	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()

	var onSubscribe func()
	if kind == domain.KindVideo {
		onSubscribe = p.requestKeyframe
	}
	t.router.relays.StartRelay(t.router.ctx, string(p.id), receiver.Track(), onSubscribe)
	go drainRTCP(receiver.Read)
	t.logger.Info().Str("producer", string(p.id)).Str("kind", string(kind)).Uint32("ssrc", ssrc).Msg("producer created")
	return p, nil
}

func (t *webrtcTransport) Consume(ctx context.Context, producer core.MediaProducer, caps domain.Capabilities) (core.MediaConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params, ok := domain.ConsumableParameters(producer.RTPParameters(), caps)
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}
	codec := params.Codecs[0]
	capability, ok := domain.FindCapability(codec, t.router.caps)
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}
	id := domain.ConsumerID(domain.NewID())
	track, err := webrtc.NewTrackLocalStaticRTP(codecParameters(capability).RTPCodecCapability, string(id), string(producer.ID()))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.conn.DTLS())
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	send := sender.GetParameters()
	if err := sender.Send(send); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}
	go drainRTCP(sender.Read)

	// The sender owns the outgoing ssrc and payload type; extensions are
	// not forwarded.
	codec.PayloadType = capability.PreferredPayloadType
	params.Codecs = []domain.CodecParameters{codec}
	params.HeaderExtensions = nil
	params.Encodings = []domain.Encoding{{SSRC: uint32(send.Encodings[0].SSRC)}}

	c := &webrtcConsumer{
		transport: t,
		id:        id,
		producer:  producer,
		params:    params,
		sender:    sender,
	}
	ot, ok := t.router.relays.AddSubscriber(string(producer.ID()), string(id), stripExtensions{track}, true)
	if !ok {
		_ = sender.Stop()
		return nil, domain.ErrProducerNotFound
	}
	c.out = ot

	t.mu.Lock()
	t.consumers[id] = c
	t.mu.Unlock()
	t.logger.Info().Str("consumer", string(id)).Str("producer", string(producer.ID())).Msg("consumer created")
	return c, nil
}

func (t *webrtcTransport) Close() {
	t.mu.Lock()
	producers := make([]*webrtcProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*webrtcConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.conn.Close()
}

// drainRTCP keeps interceptors fed until the reader fails.
func drainRTCP(read func([]byte) (int, interceptor.Attributes, error)) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := read(buf); err != nil {
			return
		}
	}
}
