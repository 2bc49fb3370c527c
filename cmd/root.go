// Package cmd defines the CLI commands of the unicore-bridge executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/unicore-bridge/internal/bridge"
	"github.com/JakeFAU/unicore-bridge/internal/config"
	"github.com/JakeFAU/unicore-bridge/internal/logging"
	"github.com/JakeFAU/unicore-bridge/internal/server"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE prepares for subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newClients builds the per-invocation client factory. Tests replace it.
var newClients = func(cfg config.Config, logger *zap.Logger) clientFactory {
	return server.NewClientFactory(cfg, logger)
}

type clientFactory interface {
	New(ctx context.Context) (*bridge.Client, error)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "unicore-bridge",
		Short: "HTTP bridge to UNICORE HPC job services.",
		Long: `unicore-bridge lists sites and jobs of a UNICORE federation, cancels
jobs and moves job outputs to local disk, cloud folders or upload URLs.
Run "serve" to expose the same operations over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newSitesCmd(),
		newJobsCmd(),
		newCancelCmd(),
		newOutputsCmd(),
		newDownloadCmd(),
		newStreamCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("application services not initialized")
	}
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

func connect(cmd *cobra.Command) (*runtime, *bridge.Client, error) {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	client, err := newClients(rt.cfg, rt.logger).New(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return rt, client, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
