package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"replyassist/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden at build time.
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
	verbose      bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "replyassist",
		Short: "Reply assistant for browser webmail",
		Long: `replyassist attaches to a webmail tab over the Chrome DevTools protocol,
captures the open thread, and mounts a small control surface next to the compose
field. Choosing a style sends the thread to a completion backend and replaces the
compose contents with the generated reply.

The running lifecycle can also be driven and inspected over MCP.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a config file (overrides the workspace config)")
	root.PersistentFlags().StringVar(&g.workspaceDir, "workspace-dir", "", "Use this directory as the workspace root instead of discovering one")
	root.PersistentFlags().BoolVar(&g.noWorkspace, "no-workspace", false, "Skip .replyassist/ workspace discovery")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newPromptCmd(g))
	root.AddCommand(newInitCmd())
	return root
}

// load resolves the merged configuration for g.
func (g *globalFlags) load() (config.Config, string, error) {
	return config.LoadWithWorkspace(g.configPath, config.WorkspaceOptions{
		Disable:     g.noWorkspace,
		ExplicitDir: g.workspaceDir,
	})
}

// newLogger builds a production zap logger. When stdio carries MCP traffic,
// output goes to the log file instead of stderr.
func newLogger(cfg config.ServerConfig, verbose, stdio bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.Set(strings.ToLower(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("server.log_level: %w", err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if stdio {
		if cfg.LogFile == "" {
			return zap.NewNop(), nil
		}
		zc.OutputPaths = []string{cfg.LogFile}
		zc.ErrorOutputPaths = []string{cfg.LogFile}
	}
	return zc.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
