package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrProtocolViolation marks a worker report that is impossible for the
// execution's current state (e.g. a success for an execution that was never
// dispatched). Apply converts the execution to failed with a diagnostic and
// returns this error so callers can log the violation; the returned
// execution is still valid and should be persisted.
var ErrProtocolViolation = errors.New("protocol violation")

// Event is a lifecycle fact applied to an execution through Apply.
type Event interface {
	eventName() string
}

// EventDispatched records that a worker dispatch attempt was made.
type EventDispatched struct {
	At time.Time
}

// EventWorkerSucceeded records a definitive success report from the worker.
type EventWorkerSucceeded struct {
	OutputRef  string
	OutputSize int64
	At         time.Time
}

// EventWorkerFailed records a definitive failure report from the worker.
type EventWorkerFailed struct {
	Reason string
	At     time.Time
}

// EventWorkerAmbiguous records a worker interaction that ended without a
// definitive signal. Attempts is the total dispatch attempts so far; once
// it reaches Budget the execution fails with an explicit reason.
type EventWorkerAmbiguous struct {
	Reason   string
	Attempts int
	Budget   int
	At       time.Time
}

func (EventDispatched) eventName() string      { return "dispatched" }
func (EventWorkerSucceeded) eventName() string { return "worker_succeeded" }
func (EventWorkerFailed) eventName() string    { return "worker_failed" }
func (EventWorkerAmbiguous) eventName() string { return "worker_ambiguous" }

// Apply is the pure transition function (state, event) -> state. It performs
// no I/O. Events applied to a terminal execution are discarded as no-ops:
// the first terminal write wins and repeated or late reports leave the
// record unchanged.
func Apply(e Execution, ev Event) (Execution, error) {
	if e.Status.Terminal() {
		return e, nil
	}

	switch event := ev.(type) {
	case EventDispatched:
		return applyDispatched(e, event)
	case EventWorkerSucceeded:
		return applyWorkerSucceeded(e, event)
	case EventWorkerFailed:
		return applyWorkerFailed(e, event)
	case EventWorkerAmbiguous:
		return applyWorkerAmbiguous(e, event)
	default:
		return e, fmt.Errorf("unknown event %q", ev.eventName())
	}
}

func applyDispatched(e Execution, ev EventDispatched) (Execution, error) {
	if e.Status == StatusProcessing {
		// Repeated dispatch of an in-flight execution is a no-op.
		return e, nil
	}
	at := normalizeEventTime(ev.At)
	e.Status = StatusProcessing
	e.StartedAt = &at
	e.WorkerInvoked = true
	return e, nil
}

func applyWorkerSucceeded(e Execution, ev EventWorkerSucceeded) (Execution, error) {
	if e.Status != StatusProcessing {
		return violation(e, ev.At, fmt.Sprintf("success reported for %s execution that was never dispatched", e.Status))
	}
	at := normalizeEventTime(ev.At)
	e.Status = StatusCompleted
	e.OutputRef = ev.OutputRef
	e.OutputSize = ev.OutputSize
	e.CompletedAt = &at
	e.Error = ""
	return e, nil
}

func applyWorkerFailed(e Execution, ev EventWorkerFailed) (Execution, error) {
	if e.Status != StatusProcessing {
		return violation(e, ev.At, fmt.Sprintf("failure reported for %s execution that was never dispatched", e.Status))
	}
	at := normalizeEventTime(ev.At)
	reason := strings.TrimSpace(ev.Reason)
	if reason == "" {
		reason = "worker reported failure without a reason"
	}
	e.Status = StatusFailed
	e.Error = reason
	e.CompletedAt = &at
	return e, nil
}

func applyWorkerAmbiguous(e Execution, ev EventWorkerAmbiguous) (Execution, error) {
	if e.Status != StatusProcessing {
		return violation(e, ev.At, fmt.Sprintf("ambiguous outcome reported for %s execution that was never dispatched", e.Status))
	}
	if ev.Attempts > e.Attempts {
		e.Attempts = ev.Attempts
	} else {
		e.Attempts++
	}
	if e.Attempts < ev.Budget {
		return e, nil
	}
	at := normalizeEventTime(ev.At)
	reason := strings.TrimSpace(ev.Reason)
	if reason == "" {
		reason = "no definitive answer received"
	}
	e.Status = StatusFailed
	e.Error = fmt.Sprintf("worker outcome could not be confirmed after %d attempts: %s", e.Attempts, reason)
	e.CompletedAt = &at
	return e, nil
}

func violation(e Execution, at time.Time, detail string) (Execution, error) {
	ts := normalizeEventTime(at)
	e.Status = StatusFailed
	e.Error = "protocol violation: " + detail
	e.CompletedAt = &ts
	return e, fmt.Errorf("%w: %s", ErrProtocolViolation, detail)
}

func normalizeEventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
