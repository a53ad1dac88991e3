package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is where a relay delivers packets: a local WebRTC track of a
// consumer, or a plain RTP socket of a mirror endpoint.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one subscriber of a relay.
type OutTrack struct {
	Writer RTPWriter
	state  atomic.Int32
}

func NewOutTrack(w RTPWriter, state TrackState) *OutTrack {
	ot := &OutTrack{Writer: w}
	ot.state.Store(int32(state))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk unmutes the track unless it was deleted.
func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
