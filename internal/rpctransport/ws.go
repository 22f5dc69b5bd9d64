package rpctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/metrics"
	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// wsState is the WebSocket transport's connection state, per §4.C.
type wsState int32

// State machine: Initial -> Connecting -> Open -> (Disconnected ->
// Reconnecting -> Open)* -> Closing -> Closed.
const (
	stateInitial wsState = iota
	stateConnecting
	stateOpen
	stateDisconnected
	stateReconnecting
	stateClosing
	stateClosed
)

func (s wsState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateDisconnected:
		return "disconnected"
	case stateReconnecting:
		return "reconnecting"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	reconnectBaseDelay   = 100 * time.Millisecond
	reconnectMaxDelay    = 5 * time.Second
	reconnectMaxAttempts = 5
	shutdownDrainTimeout = 5 * time.Second
)

type subscription struct {
	id       string
	listener func(result []byte)
}

// WSTransport maintains a single persistent WebSocket connection,
// multiplexing many concurrent requests by id and dispatching server-push
// notifications to per-subscription listeners, per §4.C.
type WSTransport struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer

	connMu sync.RWMutex
	conn   *websocket.Conn

	state     atomic.Int32
	idCounter atomic.Uint64

	pending *pendingTable
	ring    *outboundRing

	subsMu sync.RWMutex
	subs   map[string]*subscription

	requestTimeout  time.Duration
	sweeperInterval time.Duration

	hook metrics.Hook

	closeOnce sync.Once
	closeCh   chan struct{}

	connectMu sync.Mutex
}

// WSOption configures a WSTransport at construction time.
type WSOption func(*WSTransport)

// WithHook installs the metrics event sink. Defaults to metrics.NoopHook{}.
func WithHook(h metrics.Hook) WSOption {
	return func(t *WSTransport) { t.hook = h }
}

// NewWSTransport validates cfg (ws/wss scheme, power-of-two capacities) and
// builds a WSTransport in the Initial state; it does not dial until the
// first Send, Subscribe, or SendBatch.
func NewWSTransport(cfg ethconfig.TransportConfig, opts ...WSOption) (*WSTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing transport url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket transport requires ws/wss scheme, got %q", u.Scheme)
	}
	if cfg.PendingSlotCapacity <= 0 || cfg.PendingSlotCapacity&(cfg.PendingSlotCapacity-1) != 0 {
		return nil, fmt.Errorf("pending slot capacity must be a power of two, got %d", cfg.PendingSlotCapacity)
	}
	if cfg.RingBufferSize <= 0 || cfg.RingBufferSize&(cfg.RingBufferSize-1) != 0 {
		return nil, fmt.Errorf("ring buffer size must be a power of two, got %d", cfg.RingBufferSize)
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	sweeperInterval := time.Duration(cfg.SweeperIntervalMS) * time.Millisecond
	if sweeperInterval <= 0 {
		sweeperInterval = 500 * time.Millisecond
	}

	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	t := &WSTransport{
		url:             cfg.URL,
		headers:         headers,
		dialer:          websocket.DefaultDialer,
		pending:         newPendingTable(cfg.PendingSlotCapacity),
		ring:            newOutboundRing(cfg.RingBufferSize, cfg.WaitStrategy),
		subs:            make(map[string]*subscription),
		requestTimeout:  requestTimeout,
		sweeperInterval: sweeperInterval,
		hook:            metrics.NoopHook{},
		closeCh:         make(chan struct{}),
	}
	t.state.Store(int32(stateInitial))

	for _, opt := range opts {
		opt(t)
	}

	t.ring.onSaturation = func(remaining, size int) {
		t.hook.OnRingBufferSaturation(remaining, size)
	}

	return t, nil
}

func (t *WSTransport) getState() wsState {
	return wsState(t.state.Load())
}

func (t *WSTransport) setState(s wsState) {
	t.state.Store(int32(s))
}

// ensureConnected dials and starts the I/O goroutine the first time a
// caller issues Send or Subscribe, per the "Initial -> Connecting on first
// send or subscribe" transition.
func (t *WSTransport) ensureConnected(ctx context.Context) error {
	if t.getState() == stateOpen {
		return nil
	}
	if t.getState() == stateClosed || t.getState() == stateClosing {
		return rpcerrors.Transport(fmt.Errorf("transport is closed"))
	}

	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.getState() == stateOpen {
		return nil
	}
	if t.getState() == stateReconnecting || t.getState() == stateConnecting {
		return nil
	}

	t.setState(stateConnecting)
	if err := t.dial(ctx); err != nil {
		t.setState(stateDisconnected)
		go t.reconnectLoop()
		return rpcerrors.Transport(err)
	}

	t.setState(stateOpen)
	go t.writeLoop()
	go t.readLoop()
	go t.sweepLoop()
	return nil
}

func (t *WSTransport) dial(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return nil
}

// Send enqueues a request and awaits its response, per §4.C's public
// contract. Failures surface as Timeout, Transport, Rpc, or Cancelled.
func (t *WSTransport) Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	id := t.idCounter.Add(1)
	entry, err := t.pending.register(id, method)
	if err != nil {
		t.hook.OnBackpressure(0, len(t.pending.slots))
		return nil, rpcerrors.Transport(err)
	}

	req := rpcwire.NewRequest(id, method, params...)
	data, err := rpcwire.Encode(req)
	if err != nil {
		t.pending.release(id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	t.hook.OnRequestStarted(method)
	started := time.Now()

	if err := t.ring.push(ctx, outboundFrame{data: data}); err != nil {
		t.pending.release(id)
		return nil, rpcerrors.Cancelled(err)
	}

	select {
	case result := <-entry.sink:
		if result.err != nil {
			t.hook.OnRequestFailed(method, result.err)
			return nil, result.err
		}
		t.hook.OnRequestCompleted(method, time.Since(started))
		if result.resp.Error != nil {
			return result.resp, classifyWireError(result.resp.Error)
		}
		return result.resp, nil
	case <-ctx.Done():
		t.pending.release(id)
		return nil, rpcerrors.Cancelled(ctx.Err())
	case <-t.closeCh:
		t.pending.release(id)
		return nil, rpcerrors.Cancelled(fmt.Errorf("transport closed"))
	}
}

// Subscribe issues eth_subscribe with method (the subscription type, such as
// "newHeads") followed by params, registers listener against the returned
// subscription id, and returns that id to the caller.
func (t *WSTransport) Subscribe(ctx context.Context, method string, listener func(result []byte), params ...any) (string, error) {
	resp, err := t.Send(ctx, "eth_subscribe", append([]any{method}, params...)...)
	if err != nil {
		return "", err
	}

	var subID string
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		return "", rpcerrors.Protocol("subscription result is not a string id", string(resp.Result))
	}

	t.subsMu.Lock()
	t.subs[subID] = &subscription{id: subID, listener: listener}
	t.subsMu.Unlock()

	return subID, nil
}

// Unsubscribe issues eth_unsubscribe and removes the local listener
// unconditionally; the returned bool reflects the server's acknowledgement.
func (t *WSTransport) Unsubscribe(ctx context.Context, subID string) (bool, error) {
	t.subsMu.Lock()
	delete(t.subs, subID)
	t.subsMu.Unlock()

	resp, err := t.Send(ctx, "eth_unsubscribe", subID)
	if err != nil {
		return false, err
	}

	var ack bool
	if err := json.Unmarshal(resp.Result, &ack); err != nil {
		return false, nil
	}
	return ack, nil
}

// SendBatch packs requests into a single JSON array frame; correlation
// remains by id and results are returned in input order.
func (t *WSTransport) SendBatch(ctx context.Context, calls []BatchCall) ([]*rpcwire.Response, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	type slot struct {
		id    uint64
		entry *pendingEntry
	}
	slots := make([]slot, len(calls))
	reqs := make([]rpcwire.Request, len(calls))

	for i, call := range calls {
		id := t.idCounter.Add(1)
		entry, err := t.pending.register(id, call.Method)
		if err != nil {
			for _, s := range slots[:i] {
				if s.entry != nil {
					t.pending.release(s.id)
				}
			}
			return nil, rpcerrors.Transport(err)
		}
		slots[i] = slot{id: id, entry: entry}
		reqs[i] = rpcwire.NewRequest(id, call.Method, call.Params...)
	}

	data, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}

	if err := t.ring.push(ctx, outboundFrame{data: data}); err != nil {
		for _, s := range slots {
			t.pending.release(s.id)
		}
		return nil, rpcerrors.Cancelled(err)
	}

	results := make([]*rpcwire.Response, len(calls))
	for i, s := range slots {
		select {
		case result := <-s.entry.sink:
			if result.err != nil {
				return nil, result.err
			}
			results[i] = result.resp
		case <-ctx.Done():
			return nil, rpcerrors.Cancelled(ctx.Err())
		case <-t.closeCh:
			return nil, rpcerrors.Cancelled(fmt.Errorf("transport closed"))
		}
	}
	return results, nil
}

// BatchCall is one call to pack into a SendBatch frame.
type BatchCall struct {
	Method string
	Params []any
}

func classifyWireError(werr *rpcwire.WireError) error {
	dataStr := strings.Trim(string(werr.Data), `"`)
	if rpcwire.IsRevertData(dataStr) {
		return rpcerrors.Revert(werr.Code, dataStr, dataStr)
	}
	return rpcerrors.RPC(werr.Code, werr.Message, werr.Data)
}

// writeLoop is the single I/O goroutine's write half: it owns the
// connection for writes, draining the outbound ring in order.
func (t *WSTransport) writeLoop() {
	for {
		frame, ok := t.ring.pop()
		if !ok {
			return
		}

		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()
		if conn == nil {
			return
		}

		if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			t.handleDisconnect()
			return
		}
	}
}

// readLoop is the single I/O goroutine's read half: dispatch per §4.C
// "Inbound dispatch" — responses by id, eth_subscription notifications by
// subscription id, everything else a Protocol drop. A JSON array frame (the
// reply to SendBatch) is split and each element dispatched the same way.
func (t *WSTransport) readLoop() {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect()
			return
		}

		frames := [][]byte{body}
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(trimmed, &batch); err != nil {
				t.hook.OnOrphanedResponse("protocol drop: malformed batch frame")
				continue
			}
			frames = frames[:0]
			for _, f := range batch {
				frames = append(frames, f)
			}
		}

		for _, frame := range frames {
			resp, notif, err := rpcwire.DecodeFrame(frame)
			if err != nil {
				t.hook.OnOrphanedResponse("protocol drop: " + err.Error())
				continue
			}

			if notif != nil {
				t.dispatchNotification(notif)
				continue
			}

			if !t.pending.complete(resp.ID.ID(), pendingResult{resp: resp}) {
				t.hook.OnOrphanedResponse("no pending request")
			}
		}
	}
}

func (t *WSTransport) dispatchNotification(notif *rpcwire.Notification) {
	t.subsMu.RLock()
	sub, ok := t.subs[notif.Params.Subscription]
	t.subsMu.RUnlock()
	if !ok {
		return
	}

	t.hook.OnSubscriptionNotification(notif.Params.Subscription)
	t.safeInvoke(sub, notif.Params.Result)
}

// safeInvoke calls a subscription listener, recovering from a panic so a
// faulty listener cannot disturb the read loop or other listeners.
func (t *WSTransport) safeInvoke(sub *subscription, result []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.hook.OnSubscriptionCallbackError(sub.id, fmt.Errorf("listener panic: %v", r))
		}
	}()
	sub.listener(result)
}

// sweepLoop periodically completes pending entries older than
// requestTimeout with Timeout, per §4.C "Timeout policy".
func (t *WSTransport) sweepLoop() {
	ticker := time.NewTicker(t.sweeperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.pending.sweepExpired(t.requestTimeout, t.hook.OnRequestTimeout)
		case <-t.closeCh:
			return
		}
	}
}

// handleDisconnect transitions Open -> Disconnected, fails every pending
// entry with Transport, and starts the reconnect loop unless closing.
func (t *WSTransport) handleDisconnect() {
	if t.getState() == stateClosing || t.getState() == stateClosed {
		return
	}

	t.setState(stateDisconnected)
	t.hook.OnConnectionLost()
	t.pending.failAll(rpcerrors.Transport(fmt.Errorf("connection lost")))

	go t.reconnectLoop()
}

// reconnectLoop implements the Reconnecting state: exponential backoff
// (base 100ms, cap 5s, up to 5 attempts) before giving up and closing.
func (t *WSTransport) reconnectLoop() {
	if t.getState() == stateClosing || t.getState() == stateClosed {
		return
	}
	t.setState(stateReconnecting)

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-t.closeCh:
			return
		case <-time.After(delay):
		}

		if t.getState() == stateClosing || t.getState() == stateClosed {
			return
		}

		t.hook.OnReconnect(attempt)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			t.setState(stateOpen)
			go t.writeLoop()
			go t.readLoop()
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	t.setState(stateClosed)
	t.pending.failAll(rpcerrors.Transport(fmt.Errorf("reconnect attempts exhausted")))
}

// Close performs a graceful shutdown: stop accepting new work, wait up to
// 5s for in-flight requests to drain, then force-close and fail the rest.
func (t *WSTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.setState(stateClosing)
		close(t.closeCh)
		t.ring.close()

		deadline := time.After(shutdownDrainTimeout)
		for {
			if t.pending.count() == 0 {
				break
			}
			select {
			case <-deadline:
				goto forceClose
			case <-time.After(50 * time.Millisecond):
			}
		}

	forceClose:
		t.connMu.Lock()
		if t.conn != nil {
			closeErr = t.conn.Close()
		}
		t.connMu.Unlock()

		t.pending.failAll(rpcerrors.Cancelled(fmt.Errorf("transport closed")))
		t.setState(stateClosed)
	})
	return closeErr
}

// count reports the number of occupied slots, used by Close to decide when
// the pending table has drained.
func (p *pendingTable) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.slots {
		if e != nil {
			n++
		}
	}
	return n
}
