package gasfill

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// NonceManager tracks the highest allocated nonce per address so rapid
// successive sends don't collide before the first is visible in the
// mempool: each call returns the higher of the RPC-reported pending nonce
// and the locally tracked one, then advances the local value.
type NonceManager struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

// NewNonceManager creates an empty NonceManager.
func NewNonceManager() *NonceManager {
	return &NonceManager{nonces: make(map[common.Address]uint64)}
}

// Next fetches the pending nonce for address via eth_getTransactionCount and
// returns the higher of that value and the locally tracked next nonce.
func (nm *NonceManager) Next(ctx context.Context, sender Sender, address common.Address) (uint64, error) {
	resp, err := sender.Send(ctx, "eth_getTransactionCount", address.Hex(), "pending")
	if err != nil {
		return 0, err
	}

	rpcNonce, err := decodeHexQuantity(resp.Result)
	if err != nil {
		return 0, err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	local, exists := nm.nonces[address]
	nonce := rpcNonce
	if exists && local > rpcNonce {
		nonce = local
	}

	nm.nonces[address] = nonce + 1
	return nonce, nil
}

// Reset clears locally tracked nonce state for address, used after an
// error or when the local tracking is known to be stale.
func (nm *NonceManager) Reset(address common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.nonces, address)
}

// FillNonce sets req.Nonce via NonceManager.Next if it is nil, satisfying
// the gas-fill pipeline's "never overwrite a caller-provided field" rule.
func (nm *NonceManager) FillNonce(ctx context.Context, sender Sender, req TransactionRequest) (TransactionRequest, error) {
	if req.Nonce != nil {
		return req, nil
	}
	if req.From == nil {
		return req, rpcerrors.RPC(-32000, "cannot fill nonce: request has no from address", nil)
	}

	nonce, err := nm.Next(ctx, sender, *req.From)
	if err != nil {
		return req, err
	}
	req.Nonce = &nonce
	return req, nil
}
