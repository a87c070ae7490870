// Package cli implements the dhtsync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"dhtsync/internal/config"
	"dhtsync/internal/logging"
)

const appName = "dhtsync"

type root struct {
	version string
	backend string
	cfg     config.Config
}

// NewRootCommand builds the dhtsync command tree. Configuration comes from
// the environment; --backend overrides STORE_BACKEND.
func NewRootCommand(version string) *cobra.Command {
	r := &root{version: version}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Mirror DHT samples and device configuration from a remote store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.load()
		},
	}
	cmd.PersistentFlags().StringVar(&r.backend, "backend", "", "store backend: memory, redis, mqtt or postgres (default $STORE_BACKEND)")

	cmd.AddCommand(
		r.serveCommand(),
		r.watchCommand(),
		r.stateCommand(),
		r.setThresholdCommand(),
		r.setModeCommand(),
		r.adjustCommand(),
		r.simulateCommand(),
	)
	return cmd
}

// Execute runs the command line with ctx and the process arguments.
func Execute(ctx context.Context, version string) error {
	return NewRootCommand(version).ExecuteContext(ctx)
}

func (r *root) load() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if b := strings.ToLower(strings.TrimSpace(r.backend)); b != "" {
		switch b {
		case config.BackendMemory, config.BackendRedis, config.BackendMQTT, config.BackendPostgres:
			cfg.StoreBackend = b
		default:
			return fmt.Errorf("invalid --backend %q (allowed: memory, redis, mqtt, postgres)", r.backend)
		}
	}
	r.cfg = cfg
	return nil
}

func (r *root) logger(w io.Writer) *slog.Logger {
	return logging.New(w, r.cfg, r.version, appName)
}
