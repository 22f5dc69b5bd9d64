// Package cli implements the ethrpc command-line interface: a thin
// front-end that exercises the transport, gas-fill, multicall, and
// test-node packages directly, without a wallet or signing layer.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level state
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/output"
	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

var (
	// Global flags
	homeDir      string
	nodeURL      string
	outputFormat string
	verbose      bool

	// Global state initialized in PersistentPreRunE
	cfg       *ethconfig.Config
	logger    *ethconfig.Logger
	formatter *output.Formatter

	// Command context for dependency injection
	cmdCtx *CommandContext
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ethrpc",
	Short: "A JSON-RPC transport and dispatch client for Ethereum-style nodes",
	Long: `ethrpc drives an Ethereum-style JSON-RPC node over HTTP or WebSocket:
one-shot calls, live subscriptions, gas-filled transaction requests,
batched multicall reads, and test-node control (Anvil/Hardhat/Ganache).

Example:
  ethrpc call eth_blockNumber
  ethrpc subscribe newHeads --url ws://localhost:8545
  ethrpc node snapshot --mode anvil`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initGlobals(cmd)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		cleanup()
	},
}

// BuildInfo carries version metadata injected at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Execute runs the root command.
func Execute(info BuildInfo) error {
	versionCmd.Run = func(cmd *cobra.Command, _ []string) {
		printVersion(cmd, info)
	}

	err := rootCmd.Execute()
	if err != nil {
		formatErr(err)
		return err
	}
	return nil
}

func formatErr(err error) {
	format := output.FormatText
	if formatter != nil {
		format = formatter.Format()
	}
	if fmtErr := output.FormatError(os.Stderr, err, format); fmtErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (formatting failed: %v)\n", err, fmtErr)
	}
}

// ExitCode returns the appropriate process exit code for an error.
func ExitCode(err error) int {
	return rpcerrors.ExitCode(err)
}

// initGlobals initializes global configuration, logger, and formatter.
func initGlobals(cmd *cobra.Command) error {
	home := homeDir
	if home == "" {
		home = os.Getenv("ETHRPC_HOME")
	}
	if home == "" {
		home = ethconfig.DefaultHome()
	}
	if strings.HasPrefix(home, "~/") {
		if userHome, homeErr := os.UserHomeDir(); homeErr == nil {
			home = filepath.Join(userHome, home[2:])
		}
	}

	configPath := ethconfig.Path(home)
	var err error
	cfg, err = ethconfig.Load(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = ethconfig.Defaults()
		} else {
			output.Warnf("failed to load config: %v", err)
			cfg = ethconfig.Defaults()
		}
	}

	if nodeURL != "" {
		cfg.Transport.URL = nodeURL
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := ethconfig.ParseLogLevel(cfg.Logging.Level)
	logger, err = ethconfig.NewLogger(logLevel, cfg.Logging.File)
	if err != nil {
		logger = ethconfig.NullLogger()
	}

	explicitFormat := output.ParseFormat(outputFormat)
	detectedFormat := output.DetectFormat(os.Stdout, explicitFormat)
	formatter = output.NewFormatter(detectedFormat, os.Stdout)

	cmdCtx = NewCommandContext(cfg, logger, formatter)
	SetCmdContext(cmd, cmdCtx)

	return nil
}

func cleanup() {
	if logger != nil {
		if closeErr := logger.Close(); closeErr != nil {
			output.Warnf("failed to close logger: %v", closeErr)
		}
	}
}

// Config returns the global configuration.
func Config() *ethconfig.Config {
	return cfg
}

// Logger returns the global logger.
func Logger() *ethconfig.Logger {
	return logger
}

// Formatter returns the global output formatter.
func Formatter() *output.Formatter {
	return formatter
}

// versionCmd shows version information. Run is bound in Execute once
// BuildInfo is known.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the version, build commit, and build date.`,
}

func printVersion(cmd *cobra.Command, info BuildInfo) {
	if formatter != nil && formatter.Format() == output.FormatJSON {
		cmd.Println("{")
		cmd.Printf(`  "version": "%s",`+"\n", info.Version)
		cmd.Printf(`  "commit": "%s",`+"\n", info.Commit)
		cmd.Printf(`  "date": "%s"`+"\n", info.Date)
		cmd.Println("}")
	} else {
		cmd.Printf("ethrpc version %s\n", info.Version)
		cmd.Printf("  commit: %s\n", info.Commit)
		cmd.Printf("  built:  %s\n", info.Date)
	}
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for flag registration
func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(multicallCmd)
	rootCmd.AddCommand(nodeCmd)

	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "ethrpc config directory (default: ~/.ethrpc)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "url", "", "node RPC endpoint (http(s):// or ws(s)://)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "auto", "output format: text, json, auto")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}
