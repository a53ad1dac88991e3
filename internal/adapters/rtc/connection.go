// Package rtc wraps the pion ORTC objects behind one server-side transport:
// an ICE-lite gatherer, its ICE transport and the DTLS transport on top.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrConnectionClosed = errors.New("rtc connection closed")

// Connection is one gathered ICE/DTLS pair. It is started at most once.
type Connection struct {
	id       string
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	logger   zerolog.Logger

	localICE   webrtc.ICEParameters
	localDTLS  webrtc.DTLSParameters
	candidates []webrtc.ICECandidate

	startOnce sync.Once
	ready     chan struct{}
	startErr  error

	closeOnce sync.Once
	closed    chan struct{}
	onClosed  func()
	mu        sync.Mutex
}

// NewConnection gathers local candidates and returns once gathering is complete.
func NewConnection(ctx context.Context, api *webrtc.API, id string) (*Connection, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	c := &Connection{
		id:       id,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		logger:   log.With().Str("module", "engine.webrtc").Str("transport", id).Logger(),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		c.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	if c.candidates, err = gatherer.GetLocalCandidates(); err != nil {
		c.Close()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	if c.localICE, err = gatherer.GetLocalParameters(); err != nil {
		c.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	if c.localDTLS, err = dtls.GetLocalParameters(); err != nil {
		c.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed {
			c.Close()
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		c.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		if s == webrtc.DTLSTransportStateFailed {
			c.Close()
		}
	})
	c.logger.Debug().Int("candidates", len(c.candidates)).Msg("gathering complete")
	return c, nil
}

func (c *Connection) ID() string                             { return c.id }
func (c *Connection) LocalICE() webrtc.ICEParameters         { return c.localICE }
func (c *Connection) LocalDTLS() webrtc.DTLSParameters       { return c.localDTLS }
func (c *Connection) LocalCandidates() []webrtc.ICECandidate { return c.candidates }
func (c *Connection) DTLS() *webrtc.DTLSTransport            { return c.dtls }

// Start begins ICE and then DTLS in the background and returns at once:
// the remote peer only starts its checks after it has heard back.
// The local side is ICE-lite and therefore always controlled.
func (c *Connection) Start(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	c.startOnce.Do(func() {
		go func() {
			role := webrtc.ICERoleControlled
			err := c.ice.Start(nil, remoteICE, &role)
			if err == nil {
				err = c.dtls.Start(remoteDTLS)
			}
			if err != nil {
				c.logger.Warn().Err(err).Msg("transport start failed")
			} else {
				c.logger.Info().Msg("transport connected")
			}
			c.mu.Lock()
			c.startErr = err
			c.mu.Unlock()
			close(c.ready)
		}()
	})
}

// WaitReady blocks until DTLS is up, the connection closed or ctx ended.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.startErr
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// OnClosed sets application-level callback run once after Close.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.dtls.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := c.ice.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := c.gatherer.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("gatherer close")
		}
		c.logger.Info().Msg("closed")

		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
