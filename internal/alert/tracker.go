package alert

import (
	"fmt"
	"sync"
)

// FailureTracker counts consecutive failed runs and escalates to a
// critical alert once the count reaches the configured threshold.
//
// The policy is "alert when at or above threshold": every failed run
// at or past the threshold re-fires, so a long outage keeps paging
// rather than alerting exactly once and going quiet.
type FailureTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	sink        Sink
}

// NewFailureTracker creates a tracker that sends critical events to
// sink when consecutive failures reach threshold. A threshold of zero
// or less disables escalation.
func NewFailureTracker(threshold int, sink Sink) *FailureTracker {
	return &FailureTracker{threshold: threshold, sink: sink}
}

// RecordFailure increments the consecutive-failure counter and fires a
// critical event if the threshold is reached. Context is attached to
// the event.
func (t *FailureTracker) RecordFailure(context map[string]any) {
	t.mu.Lock()
	t.consecutive++
	count := t.consecutive
	t.mu.Unlock()

	if t.threshold <= 0 || count < t.threshold || t.sink == nil {
		return
	}
	if context == nil {
		context = map[string]any{}
	}
	context["consecutive_failures"] = count
	t.sink.Send(NewEvent(
		LevelCritical,
		"Pipeline Consecutive Failures",
		fmt.Sprintf("Pipeline has failed %d times consecutively", count),
		context,
	))
}

// RecordSuccess resets the consecutive-failure counter.
func (t *FailureTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
}

// Count returns the current consecutive-failure count.
func (t *FailureTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}
