package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/multicall"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var (
	multicallAggregator string
	multicallChunkSize  int
	multicallFile       string
)

var multicallCmd = &cobra.Command{
	Use:   "multicall",
	Short: "Batch read-only calls through a Multicall3 aggregator",
	Long: `Read a JSON array of {"target": "0x...", "calldata": "0x...", "stateMutability": "view"}
calls from --file, batch them through a Multicall3 aggregate3 call, and
print each call's raw return data (or its revert reason) in the same order.
stateMutability must be "view" or "pure": non-view functions are rejected
before they are ever recorded, since this command never signs or intends to
change chain state.

Example:
  ethrpc multicall --aggregator 0xcA11bde05977b3631167028862bE2a173976CA11 --file calls.json`,
	RunE: runMulticall,
}

type multicallEntry struct {
	Target          string `json:"target"`
	Calldata        string `json:"calldata"`
	StateMutability string `json:"stateMutability"`
}

type multicallResult struct {
	Target string `json:"target"`
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runMulticall(cmd *cobra.Command, _ []string) error {
	ctx := GetCmdContext(cmd)
	if ctx == nil {
		return fmt.Errorf("cli: command context not initialized")
	}
	if multicallAggregator == "" {
		return fmt.Errorf("--aggregator is required")
	}
	if multicallFile == "" {
		return fmt.Errorf("--file is required")
	}

	raw, err := os.ReadFile(multicallFile) //nolint:gosec // file path is operator-supplied CLI input
	if err != nil {
		return fmt.Errorf("reading %s: %w", multicallFile, err)
	}

	var entries []multicallEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing %s: %w", multicallFile, err)
	}

	snd, closeFn, err := dialTransport(ctx.Cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	aggregator := common.HexToAddress(multicallAggregator)
	builder := multicall.NewBuilder(snd, aggregator, multicallChunkSize)

	handles := make([]*multicall.Handle[[]byte], len(entries))
	for i, entry := range entries {
		target := common.HexToAddress(entry.Target)
		calldata, decodeErr := hex.DecodeString(strings.TrimPrefix(entry.Calldata, "0x"))
		if decodeErr != nil {
			return fmt.Errorf("entry %d: invalid calldata: %w", i, decodeErr)
		}
		handle, callErr := multicall.Call(builder, target, calldata, entry.StateMutability, func(data []byte) ([]byte, error) {
			return data, nil
		})
		if callErr != nil {
			return fmt.Errorf("entry %d: %w", i, callErr)
		}
		handles[i] = handle
	}

	if err := builder.Execute(cmd.Context()); err != nil {
		return err
	}

	results := make([]multicallResult, len(entries))
	for i, h := range handles {
		results[i].Target = entries[i].Target
		data, waitErr := h.Wait(cmd.Context())
		if waitErr != nil {
			results[i].Error = waitErr.Error()
			continue
		}
		results[i].Data = "0x" + hex.EncodeToString(data)
	}

	return ctx.Fmt.Print(results)
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for flag registration
func init() {
	multicallCmd.Flags().StringVar(&multicallAggregator, "aggregator", "", "Multicall3 aggregator contract address (required)")
	multicallCmd.Flags().StringVar(&multicallFile, "file", "", "JSON file of {target, calldata, stateMutability} entries (required)")
	multicallCmd.Flags().IntVar(&multicallChunkSize, "chunk-size", 0, "calls per eth_call chunk (default: 500)")
}
