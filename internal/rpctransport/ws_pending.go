package rpctransport

import (
	"sync"
	"time"

	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// pendingEntry is one in-flight request awaiting its response.
type pendingEntry struct {
	id      uint64
	method  string
	sink    chan pendingResult
	started time.Time
}

// pendingResult is delivered to a pendingEntry's sink exactly once.
type pendingResult struct {
	resp *rpcwire.Response
	err  error
}

// pendingTable maps request id to in-flight entry by id & (N-1) slot, per
// §4.C "Request ID allocation". Capacity must be a power of two. A slot
// already occupied by a different id is backpressure, never silent
// overwrite: the caller must wait, shed load, or grow capacity.
type pendingTable struct {
	mu    sync.Mutex
	slots []*pendingEntry
	mask  uint64
}

func newPendingTable(capacity int) *pendingTable {
	return &pendingTable{
		slots: make([]*pendingEntry, capacity),
		mask:  uint64(capacity - 1),
	}
}

// register claims the slot for id, or reports backpressure if occupied.
func (p *pendingTable) register(id uint64, method string) (*pendingEntry, error) {
	slot := id & p.mask

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slots[slot] != nil {
		return nil, &RPCBackpressureError{Slot: slot}
	}

	entry := &pendingEntry{id: id, method: method, sink: make(chan pendingResult, 1), started: time.Now()}
	p.slots[slot] = entry
	return entry, nil
}

// complete delivers result to the pending entry for id, if one is present.
// Reports orphaned (no matching entry) via the returned bool.
func (p *pendingTable) complete(id uint64, result pendingResult) bool {
	slot := id & p.mask

	p.mu.Lock()
	entry := p.slots[slot]
	if entry == nil || entry.id != id {
		p.mu.Unlock()
		return false
	}
	p.slots[slot] = nil
	p.mu.Unlock()

	entry.sink <- result
	return true
}

// release clears the slot without delivering a result, used on caller-side
// cancellation so a late response is reported as orphaned rather than
// delivered to a sink nobody is reading.
func (p *pendingTable) release(id uint64) {
	slot := id & p.mask

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry := p.slots[slot]; entry != nil && entry.id == id {
		p.slots[slot] = nil
	}
}

// sweepExpired completes every entry older than timeout with a Timeout
// failure, reporting each one to onTimeout(method, id) before delivery, and
// returning how many were swept. Called by the periodic sweeper.
func (p *pendingTable) sweepExpired(timeout time.Duration, onTimeout func(method string, id uint64)) int {
	now := time.Now()
	var expired []*pendingEntry

	p.mu.Lock()
	for i, entry := range p.slots {
		if entry != nil && now.Sub(entry.started) > timeout {
			expired = append(expired, entry)
			p.slots[i] = nil
		}
	}
	p.mu.Unlock()

	for _, entry := range expired {
		if onTimeout != nil {
			onTimeout(entry.method, entry.id)
		}
		entry.sink <- pendingResult{err: rpcerrors.Timeout("request timed out waiting for response")}
	}
	return len(expired)
}

// failAll completes every pending entry with cause, used on disconnect and
// shutdown. The table is left empty afterward.
func (p *pendingTable) failAll(cause error) int {
	var pending []*pendingEntry

	p.mu.Lock()
	for i, entry := range p.slots {
		if entry != nil {
			pending = append(pending, entry)
			p.slots[i] = nil
		}
	}
	p.mu.Unlock()

	for _, entry := range pending {
		entry.sink <- pendingResult{err: cause}
	}
	return len(pending)
}

// RPCBackpressureError reports that the pending-slot table has no room for
// a new request: N unreplied requests have accumulated on this slot.
type RPCBackpressureError struct {
	Slot uint64
}

func (e *RPCBackpressureError) Error() string {
	return "pending-slot table is saturated, backpressure in effect"
}
