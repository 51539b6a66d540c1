package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Constraints select which kinds of media to capture.
type Constraints struct {
	Audio bool `mapstructure:"audio"`
	Video bool `mapstructure:"video"`
}

var DefaultConstraints = Constraints{Audio: true}

//go:generate mockgen -source=capture.go -destination=mock_source_test.go -package=media

// DeviceSource acquires local capture devices.
type DeviceSource interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// CaptureController owns the local stream. A non-nil stream means the local
// user is broadcasting.
type CaptureController struct {
	source DeviceSource

	mu     sync.Mutex
	stream *Stream
}

func NewCaptureController(source DeviceSource) *CaptureController {
	return &CaptureController{source: source}
}

// Start acquires the device. A failed acquisition leaves the controller
// untouched and returns a *DeviceError.
func (c *CaptureController) Start(ctx context.Context, cons Constraints) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream, nil
	}
	s, err := c.source.Acquire(ctx, cons)
	if err != nil {
		de := AsDeviceError(err)
		log.Warn().Err(err).Str("module", "media.capture").Str("reason", string(de.Reason)).Msg("capture failed")
		return nil, de
	}
	if s == nil {
		return nil, NewDeviceError(ReasonNotFound, ErrNoDevice)
	}
	c.stream = s
	log.Info().Str("module", "media.capture").Str("stream", s.ID()).Int("tracks", len(s.tracks)).Msg("capture started")
	return s, nil
}

func (c *CaptureController) Stop() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	log.Info().Str("module", "media.capture").Str("stream", s.ID()).Msg("capture stopped")
}

func (c *CaptureController) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *CaptureController) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Tracks returns the active local tracks, or nil when not capturing.
func (c *CaptureController) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Tracks()
}
