// Package playout consumes remote audio tracks on a headless peer.
package playout

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultRingLength = 4096

// TrackReader is the part of *webrtc.TrackRemote a sink reads from.
type TrackReader interface {
	ID() string
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Stats struct {
	Packets uint64
	Bytes   uint64
	State   SinkState
}

// Sink drains one remote track. PCMU payloads are decoded into a sample
// ring so the level monitor can read them; other codecs are only counted.
type Sink struct {
	src    TrackReader
	stream *media.Stream
	ring   *media.SampleRing

	packets atomic.Uint64
	bytes   atomic.Uint64
	state   sinkState

	cancel context.CancelFunc
	done   chan struct{}
}

func newSink(src TrackReader, cancel context.CancelFunc) *Sink {
	s := &Sink{src: src, cancel: cancel, done: make(chan struct{})}
	if strings.EqualFold(src.Codec().MimeType, webrtc.MimeTypePCMU) {
		s.ring = media.NewSampleRing(defaultRingLength)
	}
	s.stream = media.NewStream(src.ID(), nil, s.ring, nil)
	return s
}

func (s *Sink) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(s.done)
	var pcm []float64
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sink ctx done")
			s.state.Set(SinkStopped)
			return
		default:
		}
		pkt, _, err := s.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("sink read RTP stopped")
			s.state.Set(SinkStopped)
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if s.ring == nil || s.state.Get() != SinkActive {
			continue
		}
		pcm = media.DecodeULaw(pkt.Payload, pcm)
		s.ring.Write(pcm)
	}
}

// Stream exposes decoded audio for level monitoring. Its PCM is nil for
// codecs the sink cannot decode.
func (s *Sink) Stream() *media.Stream { return s.stream }

func (s *Sink) Stats() Stats {
	return Stats{Packets: s.packets.Load(), Bytes: s.bytes.Load(), State: s.state.Get()}
}

// Mute keeps draining the track but stops decoding it.
func (s *Sink) Mute(muted bool) {
	if s.state.Get() == SinkStopped {
		return
	}
	if muted {
		s.state.Set(SinkMuted)
	} else {
		s.state.Set(SinkActive)
	}
}
