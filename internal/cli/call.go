package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/retry"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params...]",
	Short: "Send one JSON-RPC request and print the result",
	Long: `Send a single JSON-RPC request over the configured transport (HTTP or
WebSocket) and print the decoded result. Each positional parameter is parsed
as JSON when possible, otherwise sent as a literal string.

Example:
  ethrpc call eth_blockNumber --url http://localhost:8545
  ethrpc call eth_getBalance 0xabc... latest`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := GetCmdContext(cmd)
	if ctx == nil {
		return fmt.Errorf("cli: command context not initialized")
	}

	method := args[0]
	params := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		params = append(params, parseCallParam(raw))
	}

	snd, closeFn, err := dialTransport(ctx.Cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	rctx := cmd.Context()
	resp, err := retry.DoRPC(rctx, retryConfigFrom(ctx.Cfg), func() (json.RawMessage, error) {
		r, sendErr := snd.Send(rctx, method, params...)
		if sendErr != nil {
			return nil, sendErr
		}
		return r.Result, nil
	})
	if err != nil {
		return err
	}

	if ctx.Fmt.IsJSON() {
		return ctx.Fmt.Print(resp)
	}

	var decoded any
	if jsonErr := json.Unmarshal(resp, &decoded); jsonErr != nil {
		return ctx.Fmt.Print(string(resp))
	}
	return ctx.Fmt.Print(decoded)
}

// parseCallParam parses raw as JSON when it looks like a JSON value
// (object, array, number, bool, null, or quoted string); otherwise it is
// sent verbatim as a JSON string.
func parseCallParam(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// retryConfigFrom adapts ethconfig.RetryConfig to retry.Config.
func retryConfigFrom(cfg *ethconfig.Config) retry.Config {
	r := cfg.Retry
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
		JitterMin:   r.JitterMin,
		JitterMax:   r.JitterMax,
	}
}
