package media

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	pcmuClockRate     = 8000
	defaultToneHz     = 440
	defaultFrameDur   = 20 * time.Millisecond
	defaultRingLength = 4096
)

// SyntheticSource is a DeviceSource that plays a sine tone instead of a
// microphone. Headless peers and tests use it.
type SyntheticSource struct {
	Frequency     float64
	Amplitude     float64
	FrameDuration time.Duration
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{
		Frequency:     defaultToneHz,
		Amplitude:     0.5,
		FrameDuration: defaultFrameDur,
	}
}

func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewDeviceError(ReasonNotFound, err)
	}
	if c.Video {
		return nil, NewDeviceError(ReasonConstraintUnsatisfied, fmt.Errorf("%w: video", ErrUnsupportedKind))
	}
	if !c.Audio {
		return nil, NewDeviceError(ReasonConstraintUnsatisfied, ErrNoDevice)
	}

	streamID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuClockRate, Channels: 1},
		"audio-"+streamID[:8],
		streamID,
	)
	if err != nil {
		return nil, NewDeviceError(ReasonNotFound, err)
	}

	ring := NewSampleRing(defaultRingLength)
	runCtx, cancel := context.WithCancel(context.Background())
	var wg conc.WaitGroup
	wg.Go(func() { s.pump(runCtx, track, ring) })

	stop := func() {
		cancel()
		wg.Wait()
	}
	return NewStream(streamID, []webrtc.TrackLocal{track}, ring, stop), nil
}

func (s *SyntheticSource) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, ring *SampleRing) {
	dur := s.FrameDuration
	if dur <= 0 {
		dur = defaultFrameDur
	}
	n := int(pcmuClockRate * dur / time.Second)
	samples := make([]float64, n)
	payload := make([]byte, n)
	step := 2 * math.Pi * s.Frequency / pcmuClockRate
	phase := 0.0

	ticker := time.NewTicker(dur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range samples {
			samples[i] = s.Amplitude * math.Sin(phase)
			payload[i] = linearToULaw(int16(samples[i] * math.MaxInt16))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		ring.Write(samples)
		if err := track.WriteSample(pionmedia.Sample{Data: payload, Duration: dur}); err != nil {
			log.Debug().Err(err).Str("module", "media.synthetic").Msg("write sample")
		}
	}
}
