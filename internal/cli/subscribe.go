package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <event> [params...]",
	Short: "Subscribe to a WebSocket event stream and print notifications",
	Long: `Open an eth_subscribe stream (newHeads, logs, newPendingTransactions, ...)
over the configured WebSocket node and print each notification as it
arrives, until interrupted.

Example:
  ethrpc subscribe newHeads --url ws://localhost:8545`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ctx := GetCmdContext(cmd)
	if ctx == nil {
		return fmt.Errorf("cli: command context not initialized")
	}

	event := args[0]
	params := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		params = append(params, parseCallParam(raw))
	}

	ws, closeFn, err := requireWSTransport(ctx.Cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	notifications := make(chan []byte, 64)
	subID, err := ws.Subscribe(cmd.Context(), event, func(result []byte) {
		notifications <- result
	}, params...)
	if err != nil {
		return err
	}
	if logErr := ctx.Fmt.Printf("subscribed: %s (id %s)\n", event, subID); logErr != nil {
		return logErr
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case raw := <-notifications:
			if printErr := printNotification(ctx, raw); printErr != nil {
				return printErr
			}
		case <-sigCh:
			_, _ = ws.Unsubscribe(cmd.Context(), subID)
			return nil
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	}
}

func printNotification(ctx *CommandContext, raw []byte) error {
	if ctx.Fmt.IsJSON() {
		return ctx.Fmt.Print(json.RawMessage(raw))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ctx.Fmt.Print(string(raw))
	}
	return ctx.Fmt.Print(decoded)
}
