package cli

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/gasfill"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var (
	sendFrom      string
	sendTo        string
	sendValueWei  string
	sendData      string
	sendEIP1559   bool
	sendGasLimit  uint64
	sendGasPrice  string
	sendMaxFee    string
	sendMaxTipFee string
	sendNonce     int64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Gas-fill a transaction request and print the result",
	Long: `Apply the gas-fill pipeline to a transaction request: resolve gasLimit
via eth_estimateGas, gasPrice or EIP-1559 fee fields via the node, and the
account nonce. Prints the filled request; this command never signs or
broadcasts (signing is outside this module's scope).

Example:
  ethrpc send --from 0xabc... --to 0xdef... --value 1000000000000000000
  ethrpc send --from 0xabc... --to 0xdef... --eip1559`,
	RunE: runSend,
}

func runSend(cmd *cobra.Command, _ []string) error {
	ctx := GetCmdContext(cmd)
	if ctx == nil {
		return fmt.Errorf("cli: command context not initialized")
	}
	if sendFrom == "" {
		return fmt.Errorf("--from is required")
	}

	from := common.HexToAddress(sendFrom)
	req := gasfill.TransactionRequest{From: &from, IsEIP1559: sendEIP1559}

	if sendTo != "" {
		to := common.HexToAddress(sendTo)
		req.To = &to
	}
	if sendValueWei != "" {
		v, ok := new(big.Int).SetString(sendValueWei, 10)
		if !ok {
			return fmt.Errorf("--value must be a base-10 wei amount, got %q", sendValueWei)
		}
		req.Value = v
	}
	if sendData != "" {
		req.Data = []byte(sendData)
	}
	if sendGasLimit != 0 {
		req.GasLimit = &sendGasLimit
	}
	if sendGasPrice != "" {
		v, ok := new(big.Int).SetString(sendGasPrice, 10)
		if !ok {
			return fmt.Errorf("--gas-price must be a base-10 wei amount, got %q", sendGasPrice)
		}
		req.GasPrice = v
	}
	if sendMaxFee != "" {
		v, ok := new(big.Int).SetString(sendMaxFee, 10)
		if !ok {
			return fmt.Errorf("--max-fee must be a base-10 wei amount, got %q", sendMaxFee)
		}
		req.MaxFeePerGas = v
	}
	if sendMaxTipFee != "" {
		v, ok := new(big.Int).SetString(sendMaxTipFee, 10)
		if !ok {
			return fmt.Errorf("--max-priority-fee must be a base-10 wei amount, got %q", sendMaxTipFee)
		}
		req.MaxPriorityFeePerGas = v
	}
	if sendNonce >= 0 {
		n := uint64(sendNonce)
		req.Nonce = &n
	}

	snd, closeFn, err := dialTransport(ctx.Cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	filled, err := gasfill.ApplyDefaults(cmd.Context(), snd, req, from, ctx.Cfg.GasFill, gasfill.ChainProfile{EIP1559: sendEIP1559})
	if err != nil {
		return err
	}
	filled, err = gasfill.NewNonceManager().FillNonce(cmd.Context(), snd, filled)
	if err != nil {
		return err
	}

	return ctx.Fmt.Print(describeFilledRequest(filled))
}

func describeFilledRequest(req gasfill.TransactionRequest) map[string]any {
	out := map[string]any{"isEIP1559": req.IsEIP1559}
	if req.From != nil {
		out["from"] = req.From.Hex()
	}
	if req.To != nil {
		out["to"] = req.To.Hex()
	}
	if req.Value != nil {
		out["value"] = req.Value.String()
	}
	if req.GasLimit != nil {
		out["gasLimit"] = *req.GasLimit
	}
	if req.GasPrice != nil {
		out["gasPrice"] = req.GasPrice.String()
	}
	if req.MaxFeePerGas != nil {
		out["maxFeePerGas"] = req.MaxFeePerGas.String()
	}
	if req.MaxPriorityFeePerGas != nil {
		out["maxPriorityFeePerGas"] = req.MaxPriorityFeePerGas.String()
	}
	if req.Nonce != nil {
		out["nonce"] = *req.Nonce
	}
	return out
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for flag registration
func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender address (required)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient address")
	sendCmd.Flags().StringVar(&sendValueWei, "value", "", "value in wei, base-10")
	sendCmd.Flags().StringVar(&sendData, "data", "", "call data")
	sendCmd.Flags().BoolVar(&sendEIP1559, "eip1559", false, "fill EIP-1559 fee fields instead of legacy gasPrice")
	sendCmd.Flags().Uint64Var(&sendGasLimit, "gas-limit", 0, "gas limit override")
	sendCmd.Flags().StringVar(&sendGasPrice, "gas-price", "", "legacy gas price override, wei base-10")
	sendCmd.Flags().StringVar(&sendMaxFee, "max-fee", "", "EIP-1559 maxFeePerGas override, wei base-10")
	sendCmd.Flags().StringVar(&sendMaxTipFee, "max-priority-fee", "", "EIP-1559 maxPriorityFeePerGas override, wei base-10")
	sendCmd.Flags().Int64Var(&sendNonce, "nonce", -1, "nonce override (default: resolved from the node)")
}
