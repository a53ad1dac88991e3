package compositor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

var errNoInputs = fmt.Errorf("no mirrorable streams: %w", domain.ErrPipeline)

// Source is the room the pipeline composes.
type Source interface {
	ID() domain.RoomID
	ActiveProducers() []domain.ProducerSnapshot
	Capabilities(ctx context.Context) (domain.Capabilities, error)
	Mirror(ctx context.Context, producer domain.ProducerID, caps domain.Capabilities) (core.MirrorEndpoint, error)
}

// Pipeline re-renders one room's active streams into a single HLS feed.
// Producer changes are debounced; every (re)start runs a fresh transcoder
// on freshly allocated mirror endpoints in a new output generation, which
// is only served once the transcoder is up.
type Pipeline struct {
	room     domain.RoomID
	source   Source
	launcher Launcher
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	stage    *staging
	machine  *machine

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	shutOnce sync.Once

	mu        sync.RWMutex
	inputs    []Input
	proc      Process
	endpoints []core.MirrorEndpoint
	observers []func(Generation)
}

func New(room domain.RoomID, source Source, launcher Launcher, cfg Config, m *metrics.Metrics) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		room:     room,
		source:   source,
		launcher: launcher,
		cfg:      cfg,
		metrics:  m,
		logger:   log.With().Str("module", "compositor").Str("room", string(room)).Logger(),
		stage:    newStaging(filepath.Join(cfg.OutputDir, filepath.Base(string(room)))),
		machine:  newMachine(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Pipeline) State() State              { return p.machine.current() }
func (p *Pipeline) Transitions() []Transition { return p.machine.transitions() }

// Inputs are the streams of the running transcoder.
func (p *Pipeline) Inputs() []Input {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Input(nil), p.inputs...)
}

// OnPromote registers fn to be called with every generation that starts
// being served.
func (p *Pipeline) OnPromote(fn func(Generation)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// HandleEvent schedules a re-evaluation on producer changes. It never blocks.
func (p *Pipeline) HandleEvent(ev core.Event) {
	switch ev.Type {
	case core.EventProducerAdded, core.EventProducerClosed:
		p.Trigger()
	}
}

func (p *Pipeline) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the pipeline until ctx ends or Stop is called.
func (p *Pipeline) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		exited <-chan struct{}
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-p.stop:
			p.shutdown()
			return
		case <-p.kick:
			if timer == nil {
				timer = time.NewTimer(p.cfg.Debounce)
			} else {
				timer.Reset(p.cfg.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			p.reconcile(ctx)
			exited = p.processDone()
		case <-exited:
			exited = nil
			p.mu.RLock()
			proc := p.proc
			p.mu.RUnlock()
			if proc != nil {
				p.logger.Warn().Err(proc.Err()).Int("pid", proc.Pid()).Msg("transcoder exited, scheduling restart")
			}
			p.metrics.PipelineRestart("exited")
			p.Trigger()
		}
	}
}

// Stop terminates the transcoder, releases mirror endpoints and removes the
// room's output.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
		return
	}
	p.shutdown()
}

func (p *Pipeline) processDone() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.proc == nil {
		return nil
	}
	return p.proc.Done()
}

func (p *Pipeline) reconcile(ctx context.Context) {
	producers := p.source.ActiveProducers()
	state := p.machine.current()
	if len(producers) == 0 {
		if state == StateRunning {
			p.drain()
		}
		return
	}

	event, failEvent := evStart, evFailStart
	if state == StateRunning {
		event, failEvent = evRestart, evFailRestart
	}
	if err := p.machine.fire(event); err != nil {
		p.logger.Error().Err(err).Str("state", string(state)).Msg("unexpected pipeline state")
		return
	}

	gen, inputs, endpoints, err := p.prepare(ctx, producers)
	var proc Process
	if err == nil {
		proc, err = p.launcher.Launch(ctx, LaunchSpec{
			Room:    p.room,
			Path:    p.cfg.FFmpegPath,
			Args:    BuildArgs(inputs, gen.Dir, p.cfg),
			Dir:     gen.Dir,
			LogPath: filepath.Join(gen.Dir, "ffmpeg.log"),
		})
		if err != nil {
			closeEndpoints(endpoints)
			p.stage.discard(gen)
		}
	}
	if err != nil {
		p.logger.Error().Err(err).Int("producers", len(producers)).Msg("pipeline start failed, keeping previous output")
		p.metrics.PipelineRestart("failed")
		if ferr := p.machine.fire(failEvent); ferr != nil {
			p.logger.Error().Err(ferr).Msg("pipeline state")
		}
		return
	}

	p.mu.Lock()
	oldProc, oldEndpoints := p.proc, p.endpoints
	p.proc, p.endpoints, p.inputs = proc, endpoints, inputs
	observers := slices.Clone(p.observers)
	p.mu.Unlock()

	p.terminate(oldProc, oldEndpoints)
	if err := p.stage.promote(gen); err != nil {
		p.logger.Error().Err(err).Int("generation", gen.Number).Msg("promote generation")
	}
	if err := p.machine.fire(evStarted); err != nil {
		p.logger.Error().Err(err).Msg("pipeline state")
	}
	p.metrics.PipelineRestart("ok")
	p.metrics.PipelineInputs(string(p.room), len(inputs))
	p.logger.Info().Int("generation", gen.Number).Int("inputs", len(inputs)).Int("pid", proc.Pid()).Msg("transcoder running")
	for _, fn := range observers {
		fn(gen)
	}
}

type mirrored struct {
	order    int
	producer domain.ProducerSnapshot
	endpoint core.MirrorEndpoint
}

// prepare allocates one mirror endpoint per producer in parallel and writes
// the session description artifacts into a new generation directory.
func (p *Pipeline) prepare(ctx context.Context, producers []domain.ProducerSnapshot) (Generation, []Input, []core.MirrorEndpoint, error) {
	caps, err := p.source.Capabilities(ctx)
	if err != nil {
		return Generation{}, nil, nil, fmt.Errorf("room capabilities: %w", err)
	}
	mirrorCaps := domain.FilterCapabilities(caps, p.cfg.MirrorCodecs, p.cfg.MirrorHeaderExtensions)

	workers := pool.NewWithResults[mirrored]().WithContext(ctx).WithCancelOnError()
	for i, prod := range producers {
		if !domain.CanConsume(prod.RTPParameters, mirrorCaps) {
			p.logger.Warn().Str("producer", string(prod.ID)).Msg("codec not mirrorable, stream left out")
			continue
		}
		workers.Go(func(ctx context.Context) (mirrored, error) {
			ep, err := p.source.Mirror(ctx, prod.ID, mirrorCaps)
			if err != nil {
				return mirrored{}, fmt.Errorf("mirror %s: %w", prod.ID, err)
			}
			return mirrored{order: i, producer: prod, endpoint: ep}, nil
		})
	}
	results, err := workers.Wait()
	endpoints := make([]core.MirrorEndpoint, 0, len(results))
	for _, r := range results {
		if r.endpoint != nil {
			endpoints = append(endpoints, r.endpoint)
		}
	}
	if err != nil {
		closeEndpoints(endpoints)
		return Generation{}, nil, nil, err
	}
	if len(results) == 0 {
		return Generation{}, nil, nil, errNoInputs
	}
	sort.Slice(results, func(i, j int) bool { return results[i].order < results[j].order })

	gen, err := p.stage.create()
	if err != nil {
		closeEndpoints(endpoints)
		return Generation{}, nil, nil, err
	}
	gen.Room = string(p.room)

	inputs := make([]Input, 0, len(results))
	for idx, r := range results {
		params := r.endpoint.RTPParameters()
		codec, ok := params.MediaCodec()
		if !ok {
			err = fmt.Errorf("producer %s: %w", r.producer.ID, ErrMissingCodec)
			break
		}
		in := Input{
			Index:    idx,
			Producer: r.producer.ID,
			Kind:     r.producer.Kind,
			IP:       r.endpoint.IP(),
			Port:     r.endpoint.Port(),
			Codec:    codec,
			SSRC:     params.SSRC(),
			CNAME:    params.RTCP.CNAME,
			SDPPath:  filepath.Join(gen.Dir, fmt.Sprintf("%d-%s.sdp", idx, r.producer.Kind)),
		}
		var raw []byte
		if raw, err = BuildSessionDescription(in); err != nil {
			break
		}
		if err = os.WriteFile(in.SDPPath, raw, 0o644); err != nil {
			err = fmt.Errorf("write sdp: %w", err)
			break
		}
		inputs = append(inputs, in)
	}
	if err != nil {
		closeEndpoints(endpoints)
		p.stage.discard(gen)
		return Generation{}, nil, nil, err
	}
	return gen, inputs, endpoints, nil
}

func (p *Pipeline) drain() {
	if err := p.machine.fire(evDrain); err != nil {
		p.logger.Error().Err(err).Msg("pipeline state")
	}
	p.mu.Lock()
	proc, endpoints := p.proc, p.endpoints
	p.proc, p.endpoints, p.inputs = nil, nil, nil
	p.mu.Unlock()
	p.terminate(proc, endpoints)
	p.stage.reset()
	p.metrics.PipelineInputs(string(p.room), 0)
	p.logger.Info().Msg("no active streams, transcoder stopped")
}

func (p *Pipeline) terminate(proc Process, endpoints []core.MirrorEndpoint) {
	if proc != nil {
		if err := proc.Stop(p.cfg.StopTimeout); err != nil {
			p.logger.Warn().Err(err).Int("pid", proc.Pid()).Msg("stop transcoder")
		}
	}
	closeEndpoints(endpoints)
}

func (p *Pipeline) shutdown() {
	p.shutOnce.Do(func() {
		p.mu.Lock()
		proc, endpoints := p.proc, p.endpoints
		p.proc, p.endpoints, p.inputs = nil, nil, nil
		p.mu.Unlock()
		p.terminate(proc, endpoints)
		if err := p.machine.fire(evStop); err != nil {
			p.logger.Debug().Err(err).Msg("pipeline state")
		}
		if err := p.stage.remove(); err != nil {
			p.logger.Warn().Err(err).Msg("remove output")
		}
		p.metrics.ForgetRoom(string(p.room))
		p.logger.Info().Msg("pipeline stopped")
	})
}

// Manifest returns the served playlist with segment references rewritten
// to absolute URLs under baseURL.
func (p *Pipeline) Manifest(baseURL string) ([]byte, error) {
	dir := p.stage.currentDir()
	if dir == "" {
		return nil, ErrNoStream
	}
	raw, err := os.ReadFile(filepath.Join(dir, PlaylistName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoStream
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return RewriteManifest(raw, baseURL), nil
}

// SegmentPath resolves a segment name of the served generation.
func (p *Pipeline) SegmentPath(name string) (string, error) {
	if !ValidSegmentName(name) {
		return "", ErrInvalidSegment
	}
	dir := p.stage.currentDir()
	if dir == "" {
		return "", ErrNoStream
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNoStream
	}
	return path, nil
}

func closeEndpoints(eps []core.MirrorEndpoint) {
	for _, ep := range eps {
		ep.Close()
	}
}
