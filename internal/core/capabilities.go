package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/confcast/internal/domain"
)

// CapabilityRegistry owns a room's router. The router is created lazily on
// the first Capabilities call and reused afterwards.
type CapabilityRegistry struct {
	engine Engine
	codecs []domain.CodecCapability

	group singleflight.Group

	mu     sync.RWMutex
	router Router
	fatal  error
}

func NewCapabilityRegistry(engine Engine, codecs []domain.CodecCapability) *CapabilityRegistry {
	if len(codecs) == 0 {
		codecs = domain.DefaultMediaCodecs()
	}
	return &CapabilityRegistry{engine: engine, codecs: codecs}
}

// Capabilities is idempotent. Once the engine reported itself unavailable,
// every call fails with domain.ErrEngineUnavailable.
func (r *CapabilityRegistry) Capabilities(ctx context.Context) (domain.Capabilities, error) {
	router, err := r.ensureRouter(ctx)
	if err != nil {
		return domain.Capabilities{}, err
	}
	return router.Capabilities(), nil
}

func (r *CapabilityRegistry) ensureRouter(ctx context.Context) (Router, error) {
	r.mu.RLock()
	router, fatal := r.router, r.fatal
	r.mu.RUnlock()
	if fatal != nil {
		return nil, fatal
	}
	if router != nil {
		return router, nil
	}

	// The shared call outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan("router", func() (any, error) {
		r.mu.RLock()
		existing := r.router
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		if r.engine == nil {
			return nil, r.fail(fmt.Errorf("no engine worker: %w", domain.ErrEngineUnavailable))
		}
		created, err := r.engine.NewRouter(shared, r.codecs)
		if err != nil {
			if domain.Classify(err) == domain.ClassEngineUnavailable {
				return nil, r.fail(err)
			}
			return nil, fmt.Errorf("create router: %w", err)
		}
		r.mu.Lock()
		r.router = created
		r.mu.Unlock()
		log.Info().Str("module", "core.capabilities").Int("codecs", len(r.codecs)).Msg("router created")
		return created, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Router), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *CapabilityRegistry) fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
	return r.fatal
}

// Router returns the router if Capabilities has already succeeded.
func (r *CapabilityRegistry) Router() (Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router, r.router != nil
}

// Fatal returns the error that made the engine unusable, if any.
func (r *CapabilityRegistry) Fatal() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fatal
}

// CanConsume is a pure predicate over a producer's parameters and a
// receiver's declared capabilities.
func (r *CapabilityRegistry) CanConsume(producer domain.RTPParameters, caps domain.Capabilities) bool {
	return domain.CanConsume(producer, caps)
}

func (r *CapabilityRegistry) Close() {
	r.mu.Lock()
	router := r.router
	r.router = nil
	r.mu.Unlock()
	if router != nil {
		router.Close()
	}
}
