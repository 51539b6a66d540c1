package media

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultLevelInterval = 50 * time.Millisecond
	DefaultFFTSize       = 512

	// Same decibel range the browser analyser maps onto its byte scale.
	minDecibels = -100.0
	maxDecibels = -30.0
)

// LevelMonitor samples a stream at a fixed cadence and reports loudness in
// [0, 1]. Streams without raw samples report a constant zero.
type LevelMonitor struct {
	interval time.Duration
	size     int
}

func NewLevelMonitor(interval time.Duration, fftSize int) *LevelMonitor {
	if interval <= 0 {
		interval = DefaultLevelInterval
	}
	if fftSize < 2 {
		fftSize = DefaultFFTSize
	}
	return &LevelMonitor{interval: interval, size: fftSize}
}

type Subscription struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Close stops sampling and waits for the sampler to exit.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Attach starts sampling s and calls fn with every level. fn runs on the
// sampler goroutine.
func (m *LevelMonitor) Attach(s *Stream, fn func(level float64)) *Subscription {
	sub := &Subscription{stop: make(chan struct{}), done: make(chan struct{})}
	var ring *SampleRing
	if s != nil {
		ring = s.PCM()
	}
	go func() {
		defer close(sub.done)
		var fft *fourier.FFT
		buf := make([]float64, m.size)
		if ring != nil {
			fft = fourier.NewFFT(m.size)
		}
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sub.stop:
				return
			case <-ticker.C:
			}
			if ring == nil {
				fn(0)
				continue
			}
			got := ring.Latest(buf)
			clear(buf[got:])
			fn(frequencyLevel(fft, buf))
		}
	}()
	return sub
}

func (m *LevelMonitor) Detach(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// frequencyLevel averages the normalized per-bin magnitudes of a Hann
// windowed frame. fft must have been built for len(samples).
func frequencyLevel(fft *fourier.FFT, samples []float64) float64 {
	n := len(samples)
	seq := window.Hann(append([]float64(nil), samples...))
	coeffs := fft.Coefficients(nil, seq)
	var sum float64
	for _, c := range coeffs {
		mag := cmplx.Abs(c) / float64(n)
		db := minDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		v := (db - minDecibels) / (maxDecibels - minDecibels)
		sum += math.Max(0, math.Min(1, v))
	}
	return sum / float64(len(coeffs))
}
