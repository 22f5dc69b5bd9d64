package cli

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/testnode"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var nodeMode string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Control a test node (Anvil, Hardhat, or Ganache)",
	Long: `Drive a local test node's non-standard control methods: snapshot and
revert, mining, balance setting, state reset, and (Anvil-only)
impersonation.`,
}

var nodeSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take an EVM state snapshot",
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, _ []string) error {
		id, err := c.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		return printNode(cmd, map[string]any{"snapshotId": id})
	}),
}

var nodeRevertCmd = &cobra.Command{
	Use:   "revert <snapshot-id>",
	Short: "Restore a previously taken EVM state snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, args []string) error {
		ok, err := c.Revert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printNode(cmd, map[string]any{"reverted": ok})
	}),
}

var nodeMineCmd = &cobra.Command{
	Use:   "mine [count]",
	Short: "Mine one or more blocks",
	Args:  cobra.MaximumNArgs(1),
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, args []string) error {
		n := uint64(1)
		if len(args) == 1 {
			if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
				return fmt.Errorf("invalid block count %q: %w", args[0], err)
			}
		}
		if err := c.Mine(cmd.Context(), n, 0); err != nil {
			return err
		}
		return printNode(cmd, map[string]any{"mined": n})
	}),
}

var nodeSetBalanceCmd = &cobra.Command{
	Use:   "set-balance <address> <wei>",
	Short: "Set an account's balance",
	Args:  cobra.ExactArgs(2),
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, args []string) error {
		wei, ok := new(big.Int).SetString(args[1], 10)
		if !ok {
			return fmt.Errorf("invalid wei amount %q", args[1])
		}
		if err := c.SetBalance(cmd.Context(), common.HexToAddress(args[0]), wei); err != nil {
			return err
		}
		return printNode(cmd, map[string]any{"address": args[0], "balance": args[1]})
	}),
}

var nodeImpersonateCmd = &cobra.Command{
	Use:   "impersonate <address>",
	Short: "Acquire and immediately release an impersonation session (Anvil-only)",
	Long: `Acquires an impersonation session for address, reports success, and
releases it. For scripted use where the impersonation only needs to bracket
a single external action, run 'ethrpc call' yourself between acquiring and
releasing via two separate process invocations against the same node.`,
	Args: cobra.ExactArgs(1),
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, args []string) error {
		session, err := c.Impersonate(cmd.Context(), common.HexToAddress(args[0]))
		if err != nil {
			return err
		}
		defer session.Close(cmd.Context())
		return printNode(cmd, map[string]any{"impersonating": session.Address().Hex()})
	}),
}

var nodeResetCmd = &cobra.Command{
	Use:   "reset [fork-url]",
	Short: "Reset node state, optionally re-forking from fork-url",
	Args:  cobra.MaximumNArgs(1),
	RunE: withNodeControl(func(cmd *cobra.Command, c *testnode.Control, args []string) error {
		opts := testnode.ResetOptions{}
		if len(args) == 1 {
			opts.ForkURL = args[0]
		}
		if err := c.Reset(cmd.Context(), opts); err != nil {
			return err
		}
		return printNode(cmd, map[string]any{"reset": true})
	}),
}

// withNodeControl wraps fn with CommandContext lookup, transport dialing,
// and a testnode.Control bound to --mode.
func withNodeControl(fn func(cmd *cobra.Command, c *testnode.Control, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := GetCmdContext(cmd)
		if ctx == nil {
			return fmt.Errorf("cli: command context not initialized")
		}

		snd, closeFn, err := dialTransport(ctx.Cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		control := testnode.NewControl(snd, testnode.Mode(nodeMode))
		return fn(cmd, control, args)
	}
}

func printNode(cmd *cobra.Command, v map[string]any) error {
	ctx := GetCmdContext(cmd)
	return ctx.Fmt.Print(v)
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for flag registration
func init() {
	nodeCmd.PersistentFlags().StringVar(&nodeMode, "mode", "anvil", "test-node dialect: anvil, hardhat, ganache")
	nodeCmd.AddCommand(nodeSnapshotCmd, nodeRevertCmd, nodeMineCmd, nodeSetBalanceCmd, nodeImpersonateCmd, nodeResetCmd)
}
