package adv

import (
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/flume.report/internal/sampler"
)

// Mock generates synthetic probe samples for development without hardware.
// Samples arrive at the probe's 10 Hz rate around a configurable mean flow,
// with a small fraction failing the quality thresholds the way a real probe
// does near the water surface.
type Mock struct {
	mu        sync.Mutex
	streaming bool
	last      time.Time
	rng       *rand.Rand

	// MeanU is the mean streamwise velocity in m/s.
	MeanU float64

	// Depth is the reported water depth in meters.
	Depth float64

	// BadSampleRate is the fraction of samples emitted below the quality
	// thresholds, in [0,1).
	BadSampleRate float64

	// Interval paces emitted samples; zero disables pacing.
	Interval time.Duration
}

// NewMock creates a synthetic probe with plausible flume flow.
func NewMock(seed int64) *Mock {
	return &Mock{
		rng:           rand.New(rand.NewSource(seed)),
		MeanU:         0.45,
		Depth:         0.30,
		BadSampleRate: 0.1,
		Interval:      100 * time.Millisecond,
	}
}

func (m *Mock) StartStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = true
	m.last = time.Now()
	return nil
}

func (m *Mock) StopStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = false
	return nil
}

func (m *Mock) ReadSample() (*sampler.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streaming {
		return nil, nil
	}

	// Pace to the probe's sample rate.
	if wait := m.Interval - time.Since(m.last); wait > 0 {
		m.mu.Unlock()
		time.Sleep(wait)
		m.mu.Lock()
	}
	m.last = time.Now()

	s := &sampler.Sample{
		U:           m.MeanU + m.rng.NormFloat64()*0.05,
		V:           m.rng.NormFloat64() * 0.02,
		W:           m.rng.NormFloat64() * 0.01,
		SNR:         12 + m.rng.NormFloat64()*2,
		Correlation: 90 + m.rng.NormFloat64()*4,
		Depth:       m.Depth + m.rng.NormFloat64()*0.005,
		Amplitude:   1100 + m.rng.NormFloat64()*100,
		Temperature: 18.5 + m.rng.NormFloat64()*0.1,
	}
	if m.rng.Float64() < m.BadSampleRate {
		s.SNR = 2
		s.Correlation = 35
	}
	return s, nil
}

func (m *Mock) Close() error { return m.StopStream() }
