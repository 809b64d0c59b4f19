package controller

import (
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// throughputWindow is the moving-average horizon for items/minute.
const throughputWindow = 5 * time.Minute

// tracker keeps a moving window of completion timestamps per stage.
type tracker struct {
	mu    sync.Mutex
	clock pipeline.Clock
	marks map[pipeline.Stage][]time.Time
}

func newTracker(clock pipeline.Clock) *tracker {
	return &tracker{
		clock: clock,
		marks: make(map[pipeline.Stage][]time.Time),
	}
}

// Record notes one completion for stage.
func (t *tracker) Record(stage pipeline.Stage) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[stage] = trim(append(t.marks[stage], now), now)
}

// PerMinute returns the completion rate over the moving window.
func (t *tracker) PerMinute(stage pipeline.Stage) float64 {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	marks := trim(t.marks[stage], now)
	t.marks[stage] = marks
	if len(marks) == 0 {
		return 0
	}
	span := now.Sub(marks[0])
	if span < time.Minute {
		span = time.Minute
	}
	return float64(len(marks)) / span.Minutes()
}

func trim(marks []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-throughputWindow)
	idx := 0
	for idx < len(marks) && marks[idx].Before(cutoff) {
		idx++
	}
	return marks[idx:]
}
