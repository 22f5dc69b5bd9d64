package testnode_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/internal/testnode"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// fakeSender answers each JSON-RPC method with a canned raw result,
// recording every method and its arguments for assertion.
type fakeSender struct {
	results map[string]string
	calls   []call
}

type call struct {
	method string
	params []any
}

func (f *fakeSender) Send(_ context.Context, method string, params ...any) (*rpcwire.Response, error) {
	f.calls = append(f.calls, call{method: method, params: params})
	raw, ok := f.results[method]
	if !ok {
		return &rpcwire.Response{Result: json.RawMessage("true")}, nil
	}
	return &rpcwire.Response{Result: json.RawMessage(raw)}, nil
}

func (f *fakeSender) lastMethod() string {
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1].method
}

var testAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestSnapshotAndRevertUseEVMPrefixRegardlessOfMode(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{results: map[string]string{"evm_snapshot": `"0x1"`}}
	c := testnode.NewControl(sender, testnode.ModeHardhat)

	id, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x1", id)
	assert.Equal(t, "evm_snapshot", sender.lastMethod())

	ok, err := c.Revert(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "evm_revert", sender.lastMethod())
}

func TestImpersonateRejectedOnNonAnvilModes(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeHardhat)

	_, err := c.Impersonate(context.Background(), testAddr)
	require.Error(t, err)
	assert.Empty(t, sender.calls, "unsupported operation must not reach the transport")
}

func TestImpersonationSessionCloseIsIdempotentAndReleases(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	session, err := c.Impersonate(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, "anvil_impersonateAccount", sender.lastMethod())
	assert.False(t, session.Closed())

	session.Close(context.Background())
	assert.Equal(t, "anvil_stopImpersonatingAccount", sender.lastMethod())
	assert.True(t, session.Closed())

	callsAfterFirstClose := len(sender.calls)
	session.Close(context.Background())
	assert.Equal(t, callsAfterFirstClose, len(sender.calls), "second close must be a no-op")
}

func TestSetBalanceEncodesAddressAndHexValue(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	require.NoError(t, c.SetBalance(context.Background(), testAddr, big.NewInt(0x100)))
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "anvil_setBalance", sender.calls[0].method)
	assert.Equal(t, testAddr.Hex(), sender.calls[0].params[0])
	assert.Equal(t, "0x100", sender.calls[0].params[1])
}

func TestMineSingleBlockUsesEVMMine(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeGanache)

	require.NoError(t, c.Mine(context.Background(), 1, 0))
	assert.Equal(t, "evm_mine", sender.lastMethod())
}

func TestMineMultipleBlocksUsesModePrefixedMine(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	require.NoError(t, c.Mine(context.Background(), 5, 0))
	assert.Equal(t, "anvil_mine", sender.lastMethod())
}

func TestDumpStateAndDropTransactionAreAnvilOnly(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeHardhat)

	_, err := c.DumpState(context.Background())
	require.Error(t, err)

	err = c.DropTransaction(context.Background(), common.Hash{})
	require.Error(t, err)
	assert.Empty(t, sender.calls)
}

func TestResetWithForkOptionsSendsForkingPayload(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	block := uint64(123)
	err := c.Reset(context.Background(), testnode.ResetOptions{ForkURL: "https://example.test", ForkBlock: &block})
	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "anvil_reset", sender.calls[0].method)

	payload, ok := sender.calls[0].params[0].(map[string]any)
	require.True(t, ok)
	forking, ok := payload["forking"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://example.test", forking["jsonRpcUrl"])
	assert.Equal(t, block, forking["blockNumber"])
}

func TestCallsOnClosedSessionStillReportAddress(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	session, err := c.Impersonate(context.Background(), testAddr)
	require.NoError(t, err)
	session.Close(context.Background())

	assert.Equal(t, testAddr, session.Address())
}

func TestImpersonationSessionCallForwardsWhileOpen(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{results: map[string]string{"eth_sendTransaction": `"0xhash"`}}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	session, err := c.Impersonate(context.Background(), testAddr)
	require.NoError(t, err)
	defer session.Close(context.Background())

	resp, callErr := session.Call(context.Background(), "eth_sendTransaction", map[string]any{"from": testAddr.Hex()})
	require.NoError(t, callErr)
	assert.Equal(t, `"0xhash"`, string(resp.Result))
}

func TestImpersonationSessionCallOnClosedSessionRaisesIllegalState(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	session, err := c.Impersonate(context.Background(), testAddr)
	require.NoError(t, err)
	session.Close(context.Background())

	_, callErr := session.Call(context.Background(), "eth_sendTransaction", map[string]any{"from": testAddr.Hex()})
	require.Error(t, callErr)
	assert.True(t, rpcerrors.IsKind(callErr, rpcerrors.KindIllegalState))
}

func TestStopImpersonatingErrorIsSwallowedByClose(t *testing.T) {
	t.Parallel()

	sender := &erroringSender{}
	c := testnode.NewControl(sender, testnode.ModeAnvil)

	session, err := c.Impersonate(context.Background(), testAddr)
	require.NoError(t, err)

	assert.NotPanics(t, func() { session.Close(context.Background()) })
	assert.True(t, session.Closed())
}

type erroringSender struct{}

func (e *erroringSender) Send(_ context.Context, method string, _ ...any) (*rpcwire.Response, error) {
	if method == "anvil_stopImpersonatingAccount" {
		return nil, errors.New("node unreachable")
	}
	return &rpcwire.Response{Result: json.RawMessage("true")}, nil
}
