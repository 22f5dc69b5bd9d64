// Package multicall aggregates many read-only contract calls into batched
// eth_call invocations against a Multicall3 aggregator, per §4.F. Unlike the
// source's record-then-add protocol, this builder returns a typed Handle
// directly from Call, eliminating the two-step protocol and its orphan-slot
// hazard, per the redesign note in §9.
package multicall

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

const (
	defaultChunkSize = 500
	maxChunkSize     = 1000
)

// viewStateMutabilities is the set of ABI stateMutability values Call
// accepts. Anything else (nonpayable, payable) writes state and has no
// business going through a read-only aggregator.
var viewStateMutabilities = map[string]bool{
	"view": true,
	"pure": true,
}

// ErrNonViewCall is returned by Call when stateMutability names a function
// that is not view or pure, per the requirement that non-view functions are
// rejected at recording time, not discovered later as a silent state write.
var ErrNonViewCall = fmt.Errorf("multicall: only view/pure functions may be recorded")

// Sender is the subset of the transport surface the batcher needs.
type Sender interface {
	Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error)
}

// Decoder turns raw ABI return data into a typed value. Callers typically
// close over an *abi.ABI method's Unpack.
type Decoder[T any] func(data []byte) (T, error)

// call3 is one recorded call, type-erased so the builder can hold a
// heterogeneous slice across Handle[T] instantiations.
type call3 struct {
	target       common.Address
	calldata     []byte
	allowFailure bool
	complete     func(success bool, returnData []byte)
}

// Handle is a future-like result slot for one recorded call, populated when
// Builder.Execute runs.
type Handle[T any] struct {
	result T
	err    error
	done   chan struct{}
}

// Wait blocks until Execute has populated this handle, or ctx is cancelled.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, rpcerrors.Cancelled(ctx.Err())
	}
}

// Builder records calls and dispatches them as Multicall3 aggregate3 chunks.
// Recording is single-threaded by construction: concurrent calls to Call
// during Execute are a programmer error (per the spec's open question,
// concurrent recording is forbidden rather than specified).
type Builder struct {
	mu         sync.Mutex
	sender     Sender
	aggregator common.Address
	chunkSize  int
	calls      []call3
	executed   bool
}

// NewBuilder creates a Builder dispatching through sender against the given
// Multicall3 aggregator contract address. A chunkSize <= 0 selects the
// default of 500; values above maxChunkSize are capped to it.
func NewBuilder(sender Sender, aggregator common.Address, chunkSize int) *Builder {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	return &Builder{sender: sender, aggregator: aggregator, chunkSize: chunkSize}
}

// Call records a read-only call against target and returns a Handle that
// resolves once Execute runs. decode interprets the raw return bytes.
// stateMutability is the ABI-declared stateMutability of the function being
// called ("view" or "pure"); anything else is rejected immediately with
// ErrNonViewCall, at recording time, before the call ever reaches Execute.
func Call[T any](b *Builder, target common.Address, calldata []byte, stateMutability string, decode Decoder[T]) (*Handle[T], error) {
	if !viewStateMutabilities[stateMutability] {
		return nil, fmt.Errorf("%w: got stateMutability %q", ErrNonViewCall, stateMutability)
	}

	h := &Handle[T]{done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, call3{
		target:       target,
		calldata:     calldata,
		allowFailure: true,
		complete: func(success bool, returnData []byte) {
			defer close(h.done)
			if !success {
				h.err = decodeRevert(returnData)
				return
			}
			if len(returnData) == 0 {
				h.err = rpcerrors.RPC(-32000, "call returned empty data (target may not be a contract)", nil)
				return
			}
			result, err := decode(returnData)
			if err != nil {
				h.err = fmt.Errorf("decoding return data: %w", err)
				return
			}
			h.result = result
		},
	})

	return h, nil
}

// CallMethod is a convenience wrapper over Call for typed ABI method
// callers: it reads stateMutability directly off method instead of
// requiring the caller to thread the string through by hand.
func CallMethod[T any](b *Builder, target common.Address, method *abi.Method, calldata []byte, decode Decoder[T]) (*Handle[T], error) {
	return Call(b, target, calldata, method.StateMutability, decode)
}

// Execute takes an immutable snapshot of recorded calls, chunks them by
// chunkSize, and issues one eth_call per chunk. Calling Execute twice is a
// programmer error and raises.
func (b *Builder) Execute(ctx context.Context) error {
	b.mu.Lock()
	if b.executed {
		b.mu.Unlock()
		return rpcerrors.RPC(-32000, "multicall builder already executed", nil)
	}
	b.executed = true
	snapshot := make([]call3, len(b.calls))
	copy(snapshot, b.calls)
	b.mu.Unlock()

	for start := 0; start < len(snapshot); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := b.executeChunk(ctx, snapshot[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (b *Builder) executeChunk(ctx context.Context, chunk []call3) error {
	calldata, err := encodeAggregate3(chunk)
	if err != nil {
		return err
	}

	resp, err := b.sender.Send(ctx, "eth_call", map[string]any{
		"to":   b.aggregator.Hex(),
		"data": "0x" + hex.EncodeToString(calldata),
	}, "latest")
	if err != nil {
		return err
	}

	results, err := decodeAggregate3Result(resp.Result, len(chunk))
	if err != nil {
		return err
	}

	for i, r := range results {
		chunk[i].complete(r.success, r.returnData)
	}
	return nil
}

type aggregate3Result struct {
	success    bool
	returnData []byte
}

// aggregate3ABI is parsed once; its presence is validated by callers
// constructing a Builder against a real Multicall3 deployment.
var aggregate3ABI = mustParseAggregate3ABI()

func mustParseAggregate3ABI() abi.ABI {
	const def = `[{
		"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],
		"name":"aggregate3",
		"outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],
		"stateMutability":"payable",
		"type":"function"
	}]`
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("multicall: invalid embedded aggregate3 ABI: %v", err))
	}
	return parsed
}

func encodeAggregate3(chunk []call3) ([]byte, error) {
	type call3Tuple struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}

	tuples := make([]call3Tuple, len(chunk))
	for i, c := range chunk {
		tuples[i] = call3Tuple{Target: c.target, AllowFailure: c.allowFailure, CallData: c.calldata}
	}

	return aggregate3ABI.Pack("aggregate3", tuples)
}

func decodeAggregate3Result(raw json.RawMessage, want int) ([]aggregate3Result, error) {
	type resultTuple struct {
		Success    bool
		ReturnData []byte
	}

	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, rpcerrors.Protocol("eth_call result is not a JSON string", string(raw))
	}
	data, err := hexutil.Decode(hexStr)
	if err != nil {
		return nil, rpcerrors.Protocol("malformed eth_call result hex", hexStr)
	}

	var out []resultTuple
	if err := aggregate3ABI.UnpackIntoInterface(&out, "aggregate3", data); err != nil {
		return nil, rpcerrors.Protocol("malformed aggregate3 return data", err.Error())
	}
	if len(out) != want {
		return nil, rpcerrors.Protocol(
			fmt.Sprintf("aggregate3 returned %d results, expected %d", len(out), want), nil,
		)
	}

	results := make([]aggregate3Result, len(out))
	for i, r := range out {
		results[i] = aggregate3Result{success: r.Success, returnData: r.ReturnData}
	}
	return results, nil
}

// decodeRevert attempts to recover a human-readable reason from ABI-encoded
// revert bytes, falling back to the raw hex when it can't.
func decodeRevert(data []byte) error {
	reason := "0x" + hex.EncodeToString(data)
	if len(data) > 4 {
		if unpacked, err := abi.UnpackRevert(data); err == nil {
			reason = unpacked
		}
	}
	return rpcerrors.Revert(3, reason, reason)
}
