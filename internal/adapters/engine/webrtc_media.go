package engine

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/confcast/internal/app/sfu"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type webrtcProducer struct {
	transport *webrtcTransport
	id        domain.ProducerID
	kind      domain.MediaKind
	params    domain.RTPParameters
	receiver  *webrtc.RTPReceiver
	once      sync.Once
}

func (p *webrtcProducer) ID() domain.ProducerID               { return p.id }
func (p *webrtcProducer) Kind() domain.MediaKind              { return p.kind }
func (p *webrtcProducer) RTPParameters() domain.RTPParameters { return p.params }

func (p *webrtcProducer) requestKeyframe() {
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.params.SSRC()}
	if _, err := p.transport.conn.DTLS().WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.transport.logger.Debug().Err(err).Str("producer", string(p.id)).Msg("PLI write failed")
	}
}

func (p *webrtcProducer) Close() {
	p.once.Do(func() {
		p.transport.router.relays.StopRelay(string(p.id))
		if err := p.receiver.Stop(); err != nil {
			p.transport.logger.Debug().Err(err).Str("producer", string(p.id)).Msg("receiver stop")
		}
		p.transport.mu.Lock()
		delete(p.transport.producers, p.id)
		p.transport.mu.Unlock()
	})
}

type webrtcConsumer struct {
	transport *webrtcTransport
	id        domain.ConsumerID
	producer  core.MediaProducer
	params    domain.RTPParameters
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	once      sync.Once
}

func (c *webrtcConsumer) ID() domain.ConsumerID               { return c.id }
func (c *webrtcConsumer) Kind() domain.MediaKind              { return c.producer.Kind() }
func (c *webrtcConsumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *webrtcConsumer) Paused() bool                        { return c.out.GetState() == sfu.TrackStateMuted }

func (c *webrtcConsumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.out.GetState() == sfu.TrackStateDelete {
		return domain.ErrConsumerNotFound
	}
	c.out.MarkOk()
	if p, ok := c.producer.(*webrtcProducer); ok && p.kind == domain.KindVideo {
		p.requestKeyframe()
	}
	return nil
}

func (c *webrtcConsumer) Close() {
	c.once.Do(func() {
		c.out.MarkDelete()
		if err := c.sender.Stop(); err != nil {
			c.transport.logger.Debug().Err(err).Str("consumer", string(c.id)).Msg("sender stop")
		}
		c.transport.mu.Lock()
		delete(c.transport.consumers, c.id)
		c.transport.mu.Unlock()
	})
}

// stripExtensions forwards packets without the producer's header
// extensions, whose ids mean nothing to the consuming peer.
type stripExtensions struct {
	w sfu.RTPWriter
}

func (s stripExtensions) WriteRTP(p *rtp.Packet) error {
	return s.w.WriteRTP(rewrite(p, 0))
}

// rewrite returns a copy of p without header extensions, relabelled with pt
// unless pt is zero.
func rewrite(p *rtp.Packet, pt uint8) *rtp.Packet {
	out := &rtp.Packet{Header: p.Header.Clone(), Payload: p.Payload}
	out.Extension = false
	out.Extensions = nil
	out.ExtensionProfile = 0
	if pt != 0 {
		out.PayloadType = pt
	}
	return out
}
