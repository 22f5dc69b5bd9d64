// Package metrics defines the event sink every transport and retry
// component reports against: a no-op default, and an atomic-counter
// implementation for callers who want numbers without wiring a full
// observability stack.
package metrics

import (
	"sync/atomic"
	"time"
)

// Hook is the event sink described in §4.G. Every method is optional in the
// sense that NoopHook discards all of them; implementations must be safe to
// invoke concurrently, since the WebSocket transport's I/O goroutine and
// sweeper both call into the active hook.
type Hook interface {
	OnRequestStarted(method string)
	OnRequestCompleted(method string, latency time.Duration)
	OnRequestTimeout(method string, id uint64)
	OnRequestFailed(method string, err error)
	OnBackpressure(pending, max int)
	OnConnectionLost()
	OnReconnect(attempt int)
	OnSubscriptionNotification(id string)
	OnSubscriptionCallbackError(id string, err error)
	OnOrphanedResponse(reason string)
	OnRingBufferSaturation(remaining, size int)
}

// NoopHook discards every event. It is the default hook for transports
// constructed without one.
type NoopHook struct{}

var _ Hook = NoopHook{}

// OnRequestStarted implements Hook.
func (NoopHook) OnRequestStarted(string) {}

// OnRequestCompleted implements Hook.
func (NoopHook) OnRequestCompleted(string, time.Duration) {}

// OnRequestTimeout implements Hook.
func (NoopHook) OnRequestTimeout(string, uint64) {}

// OnRequestFailed implements Hook.
func (NoopHook) OnRequestFailed(string, error) {}

// OnBackpressure implements Hook.
func (NoopHook) OnBackpressure(int, int) {}

// OnConnectionLost implements Hook.
func (NoopHook) OnConnectionLost() {}

// OnReconnect implements Hook.
func (NoopHook) OnReconnect(int) {}

// OnSubscriptionNotification implements Hook.
func (NoopHook) OnSubscriptionNotification(string) {}

// OnSubscriptionCallbackError implements Hook.
func (NoopHook) OnSubscriptionCallbackError(string, error) {}

// OnOrphanedResponse implements Hook.
func (NoopHook) OnOrphanedResponse(string) {}

// OnRingBufferSaturation implements Hook.
func (NoopHook) OnRingBufferSaturation(int, int) {}

// AtomicHook accumulates event counts using atomic counters, for callers
// who want basic numbers (request volume, errors, reconnects, dropped
// frames) without standing up a full metrics pipeline.
type AtomicHook struct {
	requestsStarted   atomic.Int64
	requestsCompleted atomic.Int64
	requestsTimedOut  atomic.Int64
	requestsFailed    atomic.Int64
	latencyNanosTotal atomic.Int64
	backpressureCount atomic.Int64
	connectionsLost   atomic.Int64
	reconnects        atomic.Int64
	notifications     atomic.Int64
	callbackErrors    atomic.Int64
	orphanedResponses atomic.Int64
	ringSaturations   atomic.Int64
}

var _ Hook = (*AtomicHook)(nil)

// OnRequestStarted implements Hook.
func (h *AtomicHook) OnRequestStarted(string) {
	h.requestsStarted.Add(1)
}

// OnRequestCompleted implements Hook.
func (h *AtomicHook) OnRequestCompleted(_ string, latency time.Duration) {
	h.requestsCompleted.Add(1)
	h.latencyNanosTotal.Add(latency.Nanoseconds())
}

// OnRequestTimeout implements Hook.
func (h *AtomicHook) OnRequestTimeout(string, uint64) {
	h.requestsTimedOut.Add(1)
}

// OnRequestFailed implements Hook.
func (h *AtomicHook) OnRequestFailed(string, error) {
	h.requestsFailed.Add(1)
}

// OnBackpressure implements Hook.
func (h *AtomicHook) OnBackpressure(int, int) {
	h.backpressureCount.Add(1)
}

// OnConnectionLost implements Hook.
func (h *AtomicHook) OnConnectionLost() {
	h.connectionsLost.Add(1)
}

// OnReconnect implements Hook.
func (h *AtomicHook) OnReconnect(int) {
	h.reconnects.Add(1)
}

// OnSubscriptionNotification implements Hook.
func (h *AtomicHook) OnSubscriptionNotification(string) {
	h.notifications.Add(1)
}

// OnSubscriptionCallbackError implements Hook.
func (h *AtomicHook) OnSubscriptionCallbackError(string, error) {
	h.callbackErrors.Add(1)
}

// OnOrphanedResponse implements Hook.
func (h *AtomicHook) OnOrphanedResponse(string) {
	h.orphanedResponses.Add(1)
}

// OnRingBufferSaturation implements Hook.
func (h *AtomicHook) OnRingBufferSaturation(int, int) {
	h.ringSaturations.Add(1)
}

// Snapshot is a point-in-time copy of every counter in an AtomicHook.
type Snapshot struct {
	RequestsStarted   int64
	RequestsCompleted int64
	RequestsTimedOut  int64
	RequestsFailed    int64
	LatencyNanosTotal int64
	Backpressure      int64
	ConnectionsLost   int64
	Reconnects        int64
	Notifications     int64
	CallbackErrors    int64
	OrphanedResponses int64
	RingSaturations   int64
}

// Snapshot returns a point-in-time copy of every counter.
func (h *AtomicHook) Snapshot() Snapshot {
	return Snapshot{
		RequestsStarted:   h.requestsStarted.Load(),
		RequestsCompleted: h.requestsCompleted.Load(),
		RequestsTimedOut:  h.requestsTimedOut.Load(),
		RequestsFailed:    h.requestsFailed.Load(),
		LatencyNanosTotal: h.latencyNanosTotal.Load(),
		Backpressure:      h.backpressureCount.Load(),
		ConnectionsLost:   h.connectionsLost.Load(),
		Reconnects:        h.reconnects.Load(),
		Notifications:     h.notifications.Load(),
		CallbackErrors:    h.callbackErrors.Load(),
		OrphanedResponses: h.orphanedResponses.Load(),
		RingSaturations:   h.ringSaturations.Load(),
	}
}

// AvgLatencyMs returns the average completed-request latency in
// milliseconds, or 0 if none have completed.
func (h *AtomicHook) AvgLatencyMs() float64 {
	completed := h.requestsCompleted.Load()
	if completed == 0 {
		return 0
	}
	return float64(h.latencyNanosTotal.Load()) / float64(completed) / 1e6
}

// Reset zeroes every counter. Useful for tests.
func (h *AtomicHook) Reset() {
	h.requestsStarted.Store(0)
	h.requestsCompleted.Store(0)
	h.requestsTimedOut.Store(0)
	h.requestsFailed.Store(0)
	h.latencyNanosTotal.Store(0)
	h.backpressureCount.Store(0)
	h.connectionsLost.Store(0)
	h.reconnects.Store(0)
	h.notifications.Store(0)
	h.callbackErrors.Store(0)
	h.orphanedResponses.Store(0)
	h.ringSaturations.Store(0)
}
