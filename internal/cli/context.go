package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
	"github.com/mrz1836/ethrpc/internal/output"
)

type contextKey string

const cmdCtxKey contextKey = "ethrpc-cmd-ctx"

// SetCmdContext stores the CommandContext in the cobra command's context.
func SetCmdContext(cmd *cobra.Command, ctx *CommandContext) {
	cmd.SetContext(context.WithValue(cmd.Context(), cmdCtxKey, ctx))
}

// GetCmdContext retrieves the CommandContext from the cobra command's
// context. Returns nil if no context is set.
func GetCmdContext(cmd *cobra.Command) *CommandContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	if cmdCtx, ok := ctx.Value(cmdCtxKey).(*CommandContext); ok {
		return cmdCtx
	}
	return nil
}

// CommandContext holds dependencies shared by CLI commands.
type CommandContext struct {
	Cfg *ethconfig.Config
	Log *ethconfig.Logger
	Fmt *output.Formatter
}

// NewCommandContext creates a context with the given dependencies.
func NewCommandContext(cfg *ethconfig.Config, logger *ethconfig.Logger, formatter *output.Formatter) *CommandContext {
	return &CommandContext{Cfg: cfg, Log: logger, Fmt: formatter}
}
