package domwatch

import (
	"sync"
	"time"

	"github.com/hazyhaar/heromedia/clock"
)

// FrameScheduler defers work to the next frame opportunity.
type FrameScheduler interface {
	Schedule(fn func())
}

// ClockFrames runs scheduled work after a fixed frame interval.
type ClockFrames struct {
	clk      clock.Clock
	interval time.Duration
}

// NewClockFrames creates a scheduler firing after interval (default 16ms,
// one frame at 60Hz).
func NewClockFrames(clk clock.Clock, interval time.Duration) *ClockFrames {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &ClockFrames{clk: clk, interval: interval}
}

func (f *ClockFrames) Schedule(fn func()) {
	f.clk.AfterFunc(f.interval, fn)
}

// ManualFrames queues work until Run is called. Tests use it to observe
// exactly how many passes were scheduled.
type ManualFrames struct {
	mu    sync.Mutex
	queue []func()
	total int
}

func (m *ManualFrames) Schedule(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.total++
	m.mu.Unlock()
}

// Pending returns the number of queued callbacks.
func (m *ManualFrames) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Scheduled returns the number of Schedule calls so far.
func (m *ManualFrames) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Run executes the callbacks queued before the call and returns how many
// ran. Callbacks scheduled while running wait for the next Run.
func (m *ManualFrames) Run() int {
	m.mu.Lock()
	q := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, fn := range q {
		fn()
	}
	return len(q)
}
