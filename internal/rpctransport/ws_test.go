package rpctransport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/metrics"
	"github.com/mrz1836/ethrpc/internal/rpctransport"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// newEchoServer starts an in-process WebSocket server that answers every
// {"id":...,"method":"eth_chainId",...} request with {"id":...,"result":"0x1"}
// (a JSON array of requests gets a JSON array of replies) and can be told to
// push eth_subscription notifications on demand.
func newEchoServer(t *testing.T) (*httptest.Server, func(subID string, result string)) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	var connMu sync.Mutex
	var conn *websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		connMu.Lock()
		conn = c
		connMu.Unlock()

		reply := func(req map[string]any) map[string]any {
			method, _ := req["method"].(string)
			id := req["id"]

			switch method {
			case "eth_subscribe":
				return map[string]any{"jsonrpc": "2.0", "id": id, "result": "0xsub1"}
			case "eth_unsubscribe":
				return map[string]any{"jsonrpc": "2.0", "id": id, "result": true}
			default:
				return map[string]any{"jsonrpc": "2.0", "id": id, "result": "0x1"}
			}
		}

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}

			if len(raw) > 0 && raw[0] == '[' {
				var batch []map[string]any
				if err := json.Unmarshal(raw, &batch); err != nil {
					return
				}
				replies := make([]map[string]any, len(batch))
				for i, req := range batch {
					replies[i] = reply(req)
				}
				_ = c.WriteJSON(replies)
				continue
			}

			var req map[string]any
			if err := json.Unmarshal(raw, &req); err != nil {
				return
			}
			_ = c.WriteJSON(reply(req))
		}
	}))

	push := func(subID string, result string) {
		connMu.Lock()
		c := conn
		connMu.Unlock()
		if c == nil {
			return
		}
		_ = c.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]any{
				"subscription": subID,
				"result":       json.RawMessage(result),
			},
		})
	}

	return srv, push
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// newHangingEchoServer accepts a single connection and never replies to any
// request whose method is in hangMethods (or to any request at all, if
// hangMethods is empty), letting tests exercise the timeout sweeper and the
// pending-slot backpressure path deterministically.
func newHangingEchoServer(t *testing.T, hangMethods ...string) *httptest.Server {
	t.Helper()

	hangs := func(method string) bool {
		if len(hangMethods) == 0 {
			return true
		}
		for _, m := range hangMethods {
			if m == method {
				return true
			}
		}
		return false
	}

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		for {
			var req map[string]any
			if err := c.ReadJSON(&req); err != nil {
				return
			}
			method, _ := req["method"].(string)
			if hangs(method) {
				continue
			}
			_ = c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "0x1"})
		}
	}))
}

// recordingHook counts the events this package's tests need to assert on,
// leaving every other Hook method a no-op via the embedded NoopHook.
type recordingHook struct {
	metrics.NoopHook
	started      atomic.Int32
	timeouts     atomic.Int32
	backpressure atomic.Int32
	lastTimeout  atomic.Value
}

func (h *recordingHook) OnRequestStarted(string) { h.started.Add(1) }

func (h *recordingHook) OnRequestTimeout(method string, _ uint64) {
	h.timeouts.Add(1)
	h.lastTimeout.Store(method)
}

func (h *recordingHook) OnBackpressure(int, int) { h.backpressure.Add(1) }

func (h *recordingHook) lastTimeoutMethod() string {
	v, _ := h.lastTimeout.Load().(string)
	return v
}

func newTestWSTransport(t *testing.T, url string) *rpctransport.WSTransport {
	t.Helper()
	cfg := ethconfig.TransportConfig{
		URL:                 url,
		PendingSlotCapacity: 64,
		RingBufferSize:      64,
		WaitStrategy:        ethconfig.WaitBlocking,
		RequestTimeoutMS:    5_000,
		SweeperIntervalMS:   50,
	}
	tr, err := rpctransport.NewWSTransport(cfg)
	require.NoError(t, err)
	return tr
}

func TestWSTransportSendReceivesResult(t *testing.T) {
	t.Parallel()

	srv, _ := newEchoServer(t)
	defer srv.Close()

	tr := newTestWSTransport(t, wsURL(srv.URL))
	defer func() { _ = tr.Close() }()

	resp, err := tr.Send(context.Background(), "eth_chainId")
	require.NoError(t, err)
	assert.Equal(t, `"0x1"`, string(resp.Result))
}

func TestWSTransportSubscribeDispatchesNotification(t *testing.T) {
	t.Parallel()

	srv, push := newEchoServer(t)
	defer srv.Close()

	tr := newTestWSTransport(t, wsURL(srv.URL))
	defer func() { _ = tr.Close() }()

	received := make(chan string, 1)
	subID, err := tr.Subscribe(context.Background(), "newHeads", func(result []byte) {
		received <- string(result)
	})
	require.NoError(t, err)
	assert.Equal(t, "0xsub1", subID)

	push(subID, `{"number":"0x1"}`)

	select {
	case result := <-received:
		assert.JSONEq(t, `{"number":"0x1"}`, result)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestWSTransportUnsubscribeRemovesListener(t *testing.T) {
	t.Parallel()

	srv, push := newEchoServer(t)
	defer srv.Close()

	tr := newTestWSTransport(t, wsURL(srv.URL))
	defer func() { _ = tr.Close() }()

	received := make(chan string, 1)
	subID, err := tr.Subscribe(context.Background(), "newHeads", func(result []byte) {
		received <- string(result)
	})
	require.NoError(t, err)

	ack, err := tr.Unsubscribe(context.Background(), subID)
	require.NoError(t, err)
	assert.True(t, ack)

	push(subID, `{"number":"0x2"}`)

	select {
	case <-received:
		t.Fatal("listener should have been removed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSTransportSendBatchPreservesOrder(t *testing.T) {
	t.Parallel()

	srv, _ := newEchoServer(t)
	defer srv.Close()

	tr := newTestWSTransport(t, wsURL(srv.URL))
	defer func() { _ = tr.Close() }()

	results, err := tr.SendBatch(context.Background(), []rpctransport.BatchCall{
		{Method: "eth_chainId"},
		{Method: "eth_chainId"},
		{Method: "eth_chainId"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, `"0x1"`, string(r.Result))
	}
}

func TestWSTransportCloseFailsPending(t *testing.T) {
	t.Parallel()

	srv, _ := newEchoServer(t)
	defer srv.Close()

	tr := newTestWSTransport(t, wsURL(srv.URL))

	_, err := tr.Send(context.Background(), "eth_chainId")
	require.NoError(t, err)

	require.NoError(t, tr.Close())

	_, err = tr.Send(context.Background(), "eth_chainId")
	require.Error(t, err)
}

func TestWSTransportRejectsNonPowerOfTwoCapacity(t *testing.T) {
	t.Parallel()
	_, err := rpctransport.NewWSTransport(ethconfig.TransportConfig{
		URL:                 "ws://example.com",
		PendingSlotCapacity: 100,
		RingBufferSize:      64,
	})
	require.Error(t, err)
}

// TestWSTransportSweepTimesOutStaleRequestAndFiresHook proves the periodic
// sweeper, not just Send's own select, is what times out a request the
// server never answers, and that it reports the timeout through the
// OnRequestTimeout hook with the offending method name.
func TestWSTransportSweepTimesOutStaleRequestAndFiresHook(t *testing.T) {
	t.Parallel()

	srv := newHangingEchoServer(t, "eth_getLogs")
	defer srv.Close()

	hook := &recordingHook{}
	tr, err := rpctransport.NewWSTransport(ethconfig.TransportConfig{
		URL:                 wsURL(srv.URL),
		PendingSlotCapacity: 64,
		RingBufferSize:      64,
		WaitStrategy:        ethconfig.WaitBlocking,
		RequestTimeoutMS:    80,
		SweeperIntervalMS:   20,
	}, rpctransport.WithHook(hook))
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	_, sendErr := tr.Send(context.Background(), "eth_getLogs")
	require.Error(t, sendErr)
	assert.True(t, rpcerrors.IsKind(sendErr, rpcerrors.KindTimeout))

	assert.Eventually(t, func() bool {
		return hook.timeouts.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "eth_getLogs", hook.lastTimeoutMethod())
}

// TestWSTransportDisconnectDrainsPendingRequestsWithTransportError proves
// that when the server connection drops mid-request, handleDisconnect fails
// every pending entry promptly with a Transport-kind error rather than
// leaving Send blocked until the request timeout.
func TestWSTransportDisconnectDrainsPendingRequestsWithTransportError(t *testing.T) {
	t.Parallel()

	ready := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ready <- c
		// Read once (the in-flight request) and then hang forever, never
		// replying, until the test force-closes the connection.
		var req map[string]any
		_ = c.ReadJSON(&req)
		<-make(chan struct{})
	}))
	defer srv.Close()

	tr, err := rpctransport.NewWSTransport(ethconfig.TransportConfig{
		URL:                 wsURL(srv.URL),
		PendingSlotCapacity: 64,
		RingBufferSize:      64,
		WaitStrategy:        ethconfig.WaitBlocking,
		RequestTimeoutMS:    60_000,
		SweeperIntervalMS:   1_000,
	})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	type sendOutcome struct {
		err error
	}
	done := make(chan sendOutcome, 1)
	go func() {
		_, sendErr := tr.Send(context.Background(), "eth_getBalance")
		done <- sendOutcome{err: sendErr}
	}()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received connection")
	}
	require.NotNil(t, serverConn)

	// Give the request time to reach the server before yanking the rug.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, serverConn.Close())

	select {
	case outcome := <-done:
		require.Error(t, outcome.err)
		assert.True(t, rpcerrors.IsKind(outcome.err, rpcerrors.KindTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return promptly after disconnect; pending table was not drained")
	}
}

// TestWSTransportBackpressureWhenPendingSlotsSaturated proves that once
// every pending slot is occupied, a colliding id is rejected synchronously
// with RPCBackpressureError (surfaced as a Transport-kind error) and the
// OnBackpressure hook fires, instead of silently overwriting the slot.
func TestWSTransportBackpressureWhenPendingSlotsSaturated(t *testing.T) {
	t.Parallel()

	srv := newHangingEchoServer(t)
	defer srv.Close()

	hook := &recordingHook{}
	tr, err := rpctransport.NewWSTransport(ethconfig.TransportConfig{
		URL:                 wsURL(srv.URL),
		PendingSlotCapacity: 2,
		RingBufferSize:      64,
		WaitStrategy:        ethconfig.WaitBlocking,
		RequestTimeoutMS:    60_000,
		SweeperIntervalMS:   1_000,
	}, rpctransport.WithHook(hook))
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	// ids 1 and 2 claim distinct slots (1 and 0) under mask=1 and hang
	// until their contexts are cancelled; id 3 collides with id 1's still
	// -occupied slot and must be rejected without ever blocking.
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = tr.Send(ctx1, "eth_getBalance") }()
	go func() { defer wg.Done(); _, _ = tr.Send(ctx2, "eth_getBalance") }()

	assert.Eventually(t, func() bool {
		return hook.started.Load() == 2
	}, 2*time.Second, 10*time.Millisecond, "both in-flight requests should have started")

	_, sendErr := tr.Send(context.Background(), "eth_getBalance")
	require.Error(t, sendErr)
	assert.True(t, rpcerrors.IsKind(sendErr, rpcerrors.KindTransport))
	var backpressureErr *rpctransport.RPCBackpressureError
	assert.ErrorAs(t, sendErr, &backpressureErr)
	assert.Equal(t, int32(1), hook.backpressure.Load())

	cancel1()
	cancel2()
	wg.Wait()
}
