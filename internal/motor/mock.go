package motor

import (
	"sync"
	"time"
)

// Mock simulates a two-axis stage for development without hardware. Motion
// takes real time at the configured speed so the daemon's polling and
// verification paths behave as they do against the VXC.
type Mock struct {
	mu     sync.Mutex
	x, y   int
	tx, ty int
	speed  float64 // steps per second
	until  time.Time
	from   time.Time
	fx, fy int
}

// NewMock creates a simulated stage at origin moving at speed steps/second.
func NewMock(speed int) *Mock {
	if speed <= 0 {
		speed = 20000
	}
	return &Mock{speed: float64(speed)}
}

func (m *Mock) MoveTo(xSteps, ySteps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(time.Now())
	m.fx, m.fy = m.x, m.y
	m.tx, m.ty = xSteps, ySteps
	dx, dy := abs(m.tx-m.fx), abs(m.ty-m.fy)
	longest := dx
	if dy > longest {
		longest = dy
	}
	m.from = time.Now()
	m.until = m.from.Add(time.Duration(float64(longest) / m.speed * float64(time.Second)))
	return nil
}

func (m *Mock) CurrentPosition() (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(time.Now())
	return m.x, m.y, nil
}

func (m *Mock) MotionComplete() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.settleLocked(now)
	return !now.Before(m.until), nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(time.Now())
	m.tx, m.ty = m.x, m.y
	m.until = time.Time{}
	return nil
}

func (m *Mock) Zero() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x, m.y, m.tx, m.ty = 0, 0, 0, 0
	m.until = time.Time{}
	return nil
}

func (m *Mock) Close() error { return m.Stop() }

// settleLocked advances the simulated position to time now.
func (m *Mock) settleLocked(now time.Time) {
	if m.until.IsZero() || !now.Before(m.until) {
		m.x, m.y = m.tx, m.ty
		return
	}
	total := m.until.Sub(m.from)
	if total <= 0 {
		m.x, m.y = m.tx, m.ty
		return
	}
	frac := float64(now.Sub(m.from)) / float64(total)
	m.x = m.fx + int(frac*float64(m.tx-m.fx))
	m.y = m.fy + int(frac*float64(m.ty-m.fy))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
