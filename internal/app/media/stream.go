package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stream is a captured local stream. The capture controller is its only
// owner; peer connections only read its tracks.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal
	pcm    *SampleRing

	once sync.Once
	stop func()
}

// NewStream is used by DeviceSource implementations. pcm may be nil when the
// source does not expose raw samples.
func NewStream(id string, tracks []webrtc.TrackLocal, pcm *SampleRing, stop func()) *Stream {
	return &Stream{id: id, tracks: tracks, pcm: pcm, stop: stop}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) PCM() *SampleRing { return s.pcm }

// Stop releases the underlying device. Safe to call twice.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// SampleRing keeps the most recent mono samples in [-1, 1].
type SampleRing struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

func NewSampleRing(size int) *SampleRing {
	return &SampleRing{buf: make([]float64, size)}
}

func (r *SampleRing) Write(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range samples {
		r.buf[r.next] = v
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.full = true
		}
	}
}

// Latest copies the newest samples into dst, oldest first, and returns how
// many were available.
func (r *SampleRing) Latest(dst []float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.next
	if r.full {
		avail = len(r.buf)
	}
	n := min(len(dst), avail)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(start+i)%len(r.buf)]
	}
	return n
}
