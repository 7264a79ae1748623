package phase

import (
	"context"
	"time"
)

// CancelChecker reports whether cancellation has been requested for a run.
// The event store satisfies this with its persisted cancel_requested flag.
type CancelChecker interface {
	CancelRequested(ctx context.Context, taskID string) (bool, error)
}

// CancelMonitor polls a CancelChecker on a fixed interval and cancels a
// derived context when the flag is observed. Cancellation is cooperative
// and best-effort: it does not pre-empt an in-flight external call, and
// nothing is rolled back automatically.
type CancelMonitor struct {
	checker  CancelChecker
	taskID   string
	interval time.Duration
}

// NewCancelMonitor creates a monitor for the given task. A zero or
// negative interval falls back to 5 seconds.
func NewCancelMonitor(checker CancelChecker, taskID string, interval time.Duration) *CancelMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CancelMonitor{checker: checker, taskID: taskID, interval: interval}
}

// Watch returns a context derived from parent that is cancelled when the
// checker reports a cancellation request, plus a stop function that must be
// called when the watched work finishes. Checker errors are ignored: a
// flaky store must not cancel a healthy run.
func (m *CancelMonitor) Watch(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if m == nil || m.checker == nil {
		return ctx, cancel
	}

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := m.checker.CancelRequested(ctx, m.taskID)
				if err != nil {
					continue
				}
				if requested {
					cancel()
					return
				}
			}
		}
	}()

	return ctx, cancel
}

// Requested does a one-shot check of the cancellation flag, used at the
// top of each phase before any work starts.
func (m *CancelMonitor) Requested(ctx context.Context) bool {
	if m == nil || m.checker == nil {
		return false
	}
	requested, err := m.checker.CancelRequested(ctx, m.taskID)
	return err == nil && requested
}
