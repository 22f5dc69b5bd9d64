// Package gasfill implements the gas-fill pipeline: taking a sparsely
// populated transaction request and a default sender, producing a fully
// specified request ready for signing, per §4.E.
package gasfill

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/rpcwire"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// oneGwei is the fallback priority fee when neither the caller nor the
// chain profile supplies one: 1 Gwei.
var oneGwei = big.NewInt(1_000_000_000)

// Sender is the subset of the transport surface the gas-fill pipeline needs:
// a single request/response round trip. Both HTTPTransport and WSTransport
// satisfy it.
type Sender interface {
	Send(ctx context.Context, method string, params ...any) (*rpcwire.Response, error)
}

// ChainProfile describes the fee-market characteristics of the chain behind
// a transport: whether it advertises EIP-1559 and what priority fee to fall
// back to when the caller doesn't supply one.
type ChainProfile struct {
	EIP1559         bool
	DefaultPriority *big.Int
}

// TransactionRequest is a sparse transaction: unset fields are nil and are
// filled by ApplyDefaults. GasPrice and (MaxFeePerGas or
// MaxPriorityFeePerGas) are mutually exclusive, per the glossary.
type TransactionRequest struct {
	From                 *common.Address
	To                   *common.Address
	Value                *big.Int
	GasLimit             *uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Nonce                *uint64
	Data                 []byte
	IsEIP1559            bool
	AccessList           []common.Address
}

// clone returns a shallow copy of req so ApplyDefaults never mutates the
// caller's request in place.
func (req TransactionRequest) clone() TransactionRequest {
	return req
}

// ApplyDefaults fills every nil field of req per the §4.E algorithm. It
// never overwrites a caller-provided field.
func ApplyDefaults(
	ctx context.Context,
	sender Sender,
	req TransactionRequest,
	defaultFrom common.Address,
	cfg ethconfig.GasFillConfig,
	profile ChainProfile,
) (TransactionRequest, error) {
	out := req.clone()

	if out.From == nil {
		out.From = &defaultFrom
	}

	if out.GasLimit == nil {
		estimate, err := estimateGas(ctx, sender, out)
		if err != nil {
			return out, rpcerrors.RPC(-32000, fmt.Sprintf(
				"estimating gas for from=%s to=%s: %s", addrString(out.From), addrString(out.To), err,
			), nil)
		}
		buffered := estimate * uint64(cfg.GasLimitBufferNum) / uint64(cfg.GasLimitBufferDen)
		out.GasLimit = &buffered
	}

	if profile.EIP1559 && out.IsEIP1559 {
		return applyEIP1559Defaults(ctx, sender, out, cfg, profile)
	}

	if out.GasPrice == nil {
		price, err := fetchGasPrice(ctx, sender)
		if err != nil {
			return out, err
		}
		out.GasPrice = price
	}
	return out, nil
}

func applyEIP1559Defaults(
	ctx context.Context,
	sender Sender,
	req TransactionRequest,
	cfg ethconfig.GasFillConfig,
	profile ChainProfile,
) (TransactionRequest, error) {
	baseFee, err := fetchBaseFee(ctx, sender)
	if err != nil {
		return req, err
	}

	if baseFee == nil {
		out, err := applyFallback(req, cfg, profile)
		if err != nil || out.GasPrice != nil {
			return out, err
		}
		price, err := fetchGasPrice(ctx, sender)
		if err != nil {
			return out, err
		}
		out.GasPrice = price
		return out, nil
	}

	if req.MaxPriorityFeePerGas == nil {
		priority := profile.DefaultPriority
		if priority == nil {
			priority = oneGwei
		}
		req.MaxPriorityFeePerGas = priority
	}

	if req.MaxFeePerGas == nil {
		doubled := new(big.Int).Mul(baseFee, big.NewInt(2))
		req.MaxFeePerGas = new(big.Int).Add(doubled, req.MaxPriorityFeePerGas)
	}

	return req, nil
}

// applyFallback implements the configured EIP-1559 fallback policy when the
// latest block reports no baseFeePerGas: Throw raises immediately,
// FallbackSilent/FallbackWarn convert to the legacy gasPrice path.
func applyFallback(req TransactionRequest, cfg ethconfig.GasFillConfig, _ ChainProfile) (TransactionRequest, error) {
	switch cfg.EIP1559Fallback {
	case ethconfig.FallbackThrow:
		return req, rpcerrors.RPC(-32000, "chain does not report baseFeePerGas and eip1559_fallback is \"throw\"", nil)
	case ethconfig.FallbackWarn, ethconfig.FallbackSilent:
		req.IsEIP1559 = false
		return req, nil
	default:
		return req, rpcerrors.RPC(-32000, fmt.Sprintf("unknown eip1559_fallback policy %q", cfg.EIP1559Fallback), nil)
	}
}

func estimateGas(ctx context.Context, sender Sender, req TransactionRequest) (uint64, error) {
	call := map[string]any{}
	if req.From != nil {
		call["from"] = req.From.Hex()
	}
	if req.To != nil {
		call["to"] = req.To.Hex()
	}
	if req.Value != nil {
		call["value"] = hexutil.EncodeBig(req.Value)
	}
	if len(req.Data) > 0 {
		call["data"] = hexutil.Encode(req.Data)
	}

	resp, err := sender.Send(ctx, "eth_estimateGas", call)
	if err != nil {
		return 0, err
	}

	return decodeHexQuantity(resp.Result)
}

func fetchGasPrice(ctx context.Context, sender Sender) (*big.Int, error) {
	resp, err := sender.Send(ctx, "eth_gasPrice")
	if err != nil {
		return nil, err
	}
	n, err := decodeHexQuantity(resp.Result)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

// fetchBaseFee fetches the latest block header and reads baseFeePerGas,
// returning nil (not an error) when the field is absent or null.
func fetchBaseFee(ctx context.Context, sender Sender) (*big.Int, error) {
	resp, err := sender.Send(ctx, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return nil, err
	}

	var header struct {
		BaseFeePerGas *string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(resp.Result, &header); err != nil {
		return nil, rpcerrors.Protocol("malformed block header", string(resp.Result))
	}
	if header.BaseFeePerGas == nil {
		return nil, nil
	}

	n, err := hexutil.DecodeBig(*header.BaseFeePerGas)
	if err != nil {
		return nil, rpcerrors.Protocol("malformed baseFeePerGas", *header.BaseFeePerGas)
	}
	return n, nil
}

func decodeHexQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, rpcerrors.Protocol("quantity is not a JSON string", string(raw))
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, rpcerrors.Protocol("malformed hex quantity", s)
	}
	return n, nil
}

func addrString(a *common.Address) string {
	if a == nil {
		return "<nil>"
	}
	return a.Hex()
}
