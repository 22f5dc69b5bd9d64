// Package testnode provides a uniform façade over three test-node dialects
// (Anvil, Hardhat, Ganache), per §4.H. Operation -> method mapping is driven
// by the selected mode's prefix; a small fixed set of exceptions always use
// evm_* regardless of mode.
package testnode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// Mode selects the test-node dialect, which determines the method prefix
// used for most operations.
type Mode string

// Supported test-node dialects.
const (
	ModeAnvil   Mode = "anvil"
	ModeHardhat Mode = "hardhat"
	ModeGanache Mode = "ganache"
)

func (m Mode) prefix() string {
	switch m {
	case ModeAnvil:
		return "anvil"
	case ModeHardhat:
		return "hardhat"
	case ModeGanache:
		return "ganache"
	default:
		return string(m)
	}
}

// Sender is the subset of the transport surface the control surface needs.
type Sender interface {
	Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error)
}

// Control is a *has-a* façade over a test-node dialect: composition, not
// the source's Tester-inherits-Signer-inherits-Reader hierarchy, per the
// redesign note in §9.
type Control struct {
	sender Sender
	mode   Mode
}

// NewControl builds a Control dispatching operations through sender using
// mode's method-prefix conventions.
func NewControl(sender Sender, mode Mode) *Control {
	return &Control{sender: sender, mode: mode}
}

// requireAnvil returns Unsupported for operations the other dialects don't
// implement.
func (c *Control) requireAnvil(op string) error {
	if c.mode != ModeAnvil {
		return rpcerrors.Unsupported(op)
	}
	return nil
}

// Snapshot takes an EVM state snapshot, returning its id. evm_snapshot is
// one of the fixed evm_* exceptions used regardless of mode.
func (c *Control) Snapshot(ctx context.Context) (string, error) {
	resp, err := c.sender.Send(ctx, "evm_snapshot")
	if err != nil {
		return "", err
	}
	return decodeString(resp)
}

// Revert restores the EVM to a previously taken snapshot.
func (c *Control) Revert(ctx context.Context, snapshotID string) (bool, error) {
	resp, err := c.sender.Send(ctx, "evm_revert", snapshotID)
	if err != nil {
		return false, err
	}
	return decodeBool(resp)
}

// Impersonate acquires an ImpersonationSession for addr (Anvil-only). The
// session is guaranteed-released on Close; Close is idempotent.
func (c *Control) Impersonate(ctx context.Context, addr common.Address) (*ImpersonationSession, error) {
	if err := c.requireAnvil("impersonate"); err != nil {
		return nil, err
	}
	if _, err := c.sender.Send(ctx, c.mode.prefix()+"_impersonateAccount", addr.Hex()); err != nil {
		return nil, err
	}
	return &ImpersonationSession{releaser: c, sender: c.sender, addr: addr}, nil
}

// stopImpersonating is called by ImpersonationSession.Close at most once.
func (c *Control) stopImpersonating(ctx context.Context, addr common.Address) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_stopImpersonatingAccount", addr.Hex())
	return err
}

// AutoImpersonate toggles automatic impersonation of any sender (Anvil-only).
func (c *Control) AutoImpersonate(ctx context.Context, enabled bool) error {
	if err := c.requireAnvil("auto-impersonate"); err != nil {
		return err
	}
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_autoImpersonateAccount", enabled)
	return err
}

// SetBalance sets an account's balance.
func (c *Control) SetBalance(ctx context.Context, addr common.Address, wei *big.Int) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setBalance", addr.Hex(), hexBig(wei))
	return err
}

// SetCode sets an account's contract code.
func (c *Control) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setCode", addr.Hex(), "0x"+common.Bytes2Hex(code))
	return err
}

// SetNonce sets an account's nonce.
func (c *Control) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setNonce", addr.Hex(), hexUint64(nonce))
	return err
}

// SetStorageAt sets a single storage slot on an account.
func (c *Control) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setStorageAt", addr.Hex(), slot.Hex(), value.Hex())
	return err
}

// Mine mines n blocks, optionally spaced by intervalSeconds (0 for no
// interval). A single block with no interval is mined with evm_mine;
// otherwise <prefix>_mine is sent with the block count and, when non-zero,
// the interval.
func (c *Control) Mine(ctx context.Context, n uint64, intervalSeconds uint64) error {
	if n <= 1 && intervalSeconds == 0 {
		_, err := c.sender.Send(ctx, "evm_mine")
		return err
	}
	if intervalSeconds == 0 {
		_, err := c.sender.Send(ctx, c.mode.prefix()+"_mine", hexUint64(n))
		return err
	}
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_mine", hexUint64(n), hexUint64(intervalSeconds))
	return err
}

// MineAt mines a single block stamped with the given Unix timestamp.
func (c *Control) MineAt(ctx context.Context, timestamp int64) error {
	if _, err := c.sender.Send(ctx, "evm_setNextBlockTimestamp", timestamp); err != nil {
		return err
	}
	_, err := c.sender.Send(ctx, "evm_mine")
	return err
}

// SetAutomine enables or disables automatic block mining on every
// transaction.
func (c *Control) SetAutomine(ctx context.Context, enabled bool) error {
	_, err := c.sender.Send(ctx, "evm_setAutomine", enabled)
	return err
}

// SetIntervalMining configures periodic mining every intervalMS
// milliseconds (0 disables it).
func (c *Control) SetIntervalMining(ctx context.Context, intervalMS uint64) error {
	_, err := c.sender.Send(ctx, "evm_setIntervalMining", intervalMS)
	return err
}

// SetNextBlockTimestamp sets the timestamp the next mined block will carry.
func (c *Control) SetNextBlockTimestamp(ctx context.Context, timestamp int64) error {
	_, err := c.sender.Send(ctx, "evm_setNextBlockTimestamp", timestamp)
	return err
}

// IncreaseTime advances the node's internal clock by seconds.
func (c *Control) IncreaseTime(ctx context.Context, seconds int64) error {
	_, err := c.sender.Send(ctx, "evm_increaseTime", seconds)
	return err
}

// SetNextBlockBaseFee sets the baseFeePerGas the next mined block will
// report.
func (c *Control) SetNextBlockBaseFee(ctx context.Context, baseFee *big.Int) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setNextBlockBaseFeePerGas", hexBig(baseFee))
	return err
}

// SetBlockGasLimit sets the gas limit applied to subsequently mined blocks.
func (c *Control) SetBlockGasLimit(ctx context.Context, gasLimit uint64) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setBlockGasLimit", hexUint64(gasLimit))
	return err
}

// SetCoinbase sets the address that receives block rewards.
func (c *Control) SetCoinbase(ctx context.Context, addr common.Address) error {
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_setCoinbase", addr.Hex())
	return err
}

// ResetOptions configures an optional fork target for Reset.
type ResetOptions struct {
	ForkURL   string
	ForkBlock *uint64
}

// Reset resets the node's state, optionally re-forking from forkURL at a
// given block.
func (c *Control) Reset(ctx context.Context, opts ResetOptions) error {
	if opts.ForkURL == "" {
		_, err := c.sender.Send(ctx, c.mode.prefix()+"_reset")
		return err
	}

	forking := map[string]any{"jsonRpcUrl": opts.ForkURL}
	if opts.ForkBlock != nil {
		forking["blockNumber"] = *opts.ForkBlock
	}
	_, err := c.sender.Send(ctx, c.mode.prefix()+"_reset", map[string]any{"forking": forking})
	return err
}

// DumpState exports the node's full state (Anvil-only).
func (c *Control) DumpState(ctx context.Context) ([]byte, error) {
	if err := c.requireAnvil("dump-state"); err != nil {
		return nil, err
	}
	resp, err := c.sender.Send(ctx, "anvil_dumpState")
	if err != nil {
		return nil, err
	}
	s, err := decodeString(resp)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// LoadState imports a previously dumped state (Anvil-only).
func (c *Control) LoadState(ctx context.Context, state []byte) error {
	if err := c.requireAnvil("load-state"); err != nil {
		return err
	}
	_, err := c.sender.Send(ctx, "anvil_loadState", string(state))
	return err
}

// DropTransaction removes a pending transaction from the mempool
// (Anvil-only).
func (c *Control) DropTransaction(ctx context.Context, txHash common.Hash) error {
	if err := c.requireAnvil("drop-transaction"); err != nil {
		return err
	}
	_, err := c.sender.Send(ctx, "anvil_dropTransaction", txHash.Hex())
	return err
}

func hexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return fmt.Sprintf("0x%x", n)
}

func hexUint64(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

func decodeString(resp *rpcwire.Response) (string, error) {
	var s string
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		return "", rpcerrors.Protocol("expected string result", string(resp.Result))
	}
	return s, nil
}

func decodeBool(resp *rpcwire.Response) (bool, error) {
	var b bool
	if err := json.Unmarshal(resp.Result, &b); err != nil {
		return false, rpcerrors.Protocol("expected boolean result", string(resp.Result))
	}
	return b, nil
}

// ImpersonationSession is a scoped resource acquired by Control.Impersonate
// and guaranteed-released on Close. It holds a weak, non-owning back
// reference to the releasing Control (an interface, not a *Control) plus an
// atomic compare-and-set closed flag, per the cyclic-reference redesign
// note in §9: close is idempotent and never raises.
type ImpersonationSession struct {
	releaser interface {
		stopImpersonating(ctx context.Context, addr common.Address) error
	}
	sender Sender
	addr   common.Address
	closed atomic.Bool
}

// Close releases the impersonation. Idempotent: a second call is a no-op.
// Close never returns an error: a failure of the release call is discarded
// and is not reported anywhere.
func (s *ImpersonationSession) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.releaser.stopImpersonating(ctx, s.addr)
}

// Address returns the impersonated address. Calling it on a closed session
// still returns the address (it is not a state-mutating operation).
func (s *ImpersonationSession) Address() common.Address {
	return s.addr
}

// Closed reports whether Close has already run.
func (s *ImpersonationSession) Closed() bool {
	return s.closed.Load()
}

// Call issues method as the impersonated account while the session is open.
// Calls made after Close raise IllegalState rather than silently racing a
// release that may have already un-impersonated the address node-side.
func (s *ImpersonationSession) Call(ctx context.Context, method string, params ...any) (*rpcwire.Response, error) {
	if s.Closed() {
		return nil, rpcerrors.IllegalState(fmt.Sprintf("impersonation session for %s is closed", s.addr.Hex()))
	}
	return s.sender.Send(ctx, method, params...)
}
