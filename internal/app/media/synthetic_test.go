package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestSyntheticSourceRejectsVideo(t *testing.T) {
	_, err := NewSyntheticSource().Acquire(context.Background(), Constraints{Audio: true, Video: true})
	var de *DeviceError
	if !errors.As(err, &de) || de.Reason != ReasonConstraintUnsatisfied {
		t.Fatalf("err = %v", err)
	}
	_, err = NewSyntheticSource().Acquire(context.Background(), Constraints{})
	if !errors.As(err, &de) || de.Reason != ReasonConstraintUnsatisfied {
		t.Fatalf("err = %v", err)
	}
}

func TestSyntheticSourceProducesAudio(t *testing.T) {
	src := NewSyntheticSource()
	src.FrameDuration = 5 * time.Millisecond
	c := NewCaptureController(src)

	s, err := c.Start(context.Background(), DefaultConstraints)
	if err != nil {
		t.Fatal(err)
	}
	tracks := s.Tracks()
	if len(tracks) != 1 || tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("tracks = %v", tracks)
	}

	buf := make([]float64, 32)
	deadline := time.Now().Add(time.Second)
	for s.PCM().Latest(buf) < len(buf) {
		if time.Now().After(deadline) {
			t.Fatal("no samples written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	if c.IsCapturing() {
		t.Fatal("still capturing")
	}
}
