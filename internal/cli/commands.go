package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"dhtsync/internal/adjuster"
	"dhtsync/internal/app"
	"dhtsync/internal/remote"
	"dhtsync/internal/simulator"
	"dhtsync/internal/syncengine"
	"dhtsync/internal/telemetry"
)

func (r *root) serveCommand() *cobra.Command {
	var simulate time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the mirror and the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := r.logger(os.Stdout)
			logger.Info("starting", "version", r.version, "env", r.cfg.AppEnv, "log_level", r.cfg.LogLevel.String())
			err := app.Run(cmd.Context(), r.cfg, logger, app.Options{SimulateEvery: simulate})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&simulate, "simulate", 0, "also write a synthetic sample at this interval")
	return cmd
}

// session is a store plus an engine mirroring it, for the client commands.
type session struct {
	store  remote.Store
	engine *syncengine.Engine
	stop   func()
}

func (r *root) open(cmd *cobra.Command, run bool) (*session, error) {
	logger := r.logger(cmd.ErrOrStderr())
	store, err := app.OpenStore(cmd.Context(), r.cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := syncengine.New(store,
		syncengine.WithLogger(logger),
		syncengine.WithPaths(r.cfg.Paths()),
		syncengine.WithWriteTimeout(r.cfg.WriteTimeout),
		syncengine.WithConfirmPolicy(r.cfg.ConfirmPolicy),
	)
	s := &session{store: store, engine: engine}

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan struct{})
	if run {
		go func() {
			defer close(done)
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sync engine stopped", "error", err)
			}
		}()
	} else {
		close(done)
	}
	s.stop = func() {
		cancel()
		<-done
		if err := store.Close(); err != nil {
			logger.Warn("store close", "error", err)
		}
	}
	return s, nil
}

func (r *root) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the mirrored state every time it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.stop()

			sub := s.engine.Subscribe(cmd.Context())
			defer sub.Close()
			for {
				snap, err := sub.Next(cmd.Context())
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, syncengine.ErrSubscriptionClosed) {
						return nil
					}
					return err
				}
				if err := renderLine(cmd.OutOrStdout(), snap.State); err != nil {
					return err
				}
			}
		},
	}
}

// settled reports whether every mirrored value has arrived.
func settled(st telemetry.MirrorState) bool {
	return st.LatestSample != nil && st.Config.Threshold != nil && st.Config.Mode != ""
}

func (r *root) stateCommand() *cobra.Command {
	var (
		wait   time.Duration
		output string
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the mirrored state once it has synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			s, err := r.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			sub := s.engine.Subscribe(ctx)
			defer sub.Close()

			st := s.engine.CurrentState()
			for !settled(st) {
				snap, err := sub.Next(ctx)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syncengine.ErrSubscriptionClosed) {
					break
				}
				if err != nil {
					return err
				}
				st = snap.State
			}

			if format == outputJSON {
				return renderJSON(cmd.OutOrStdout(), st)
			}
			return renderState(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to wait for every value to sync")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or json")
	return cmd
}

func (r *root) setThresholdCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-threshold <value>",
		Short: "Write a new alert threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 32)
			if err != nil {
				return fmt.Errorf("invalid threshold %q", args[0])
			}
			s, err := r.open(cmd, false)
			if err != nil {
				return err
			}
			defer s.stop()

			if err := s.engine.WriteThreshold(cmd.Context(), float32(v)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "threshold set to %s\n", telemetry.FormatThreshold(float32(v)))
			return err
		},
	}
}

func (r *root) setModeCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "set-mode normal|alert",
		Short:     "Write a new operating mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(telemetry.ModeNormal), string(telemetry.ModeAlert)},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := telemetry.ParseMode(args[0])
			if err != nil {
				return err
			}
			s, err := r.open(cmd, false)
			if err != nil {
				return err
			}
			defer s.stop()

			if err := s.engine.WriteMode(cmd.Context(), m); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "mode set to %s\n", m)
			return err
		},
	}
}

func (r *root) adjustCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "adjust <delta>",
		Short: "Add delta to the stored threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := strconv.ParseFloat(args[0], 32)
			if err != nil {
				return fmt.Errorf("invalid delta %q", args[0])
			}
			s, err := r.open(cmd, false)
			if err != nil {
				return err
			}
			defer s.stop()

			adj := adjuster.New(s.store, s.engine,
				adjuster.WithLogger(r.logger(cmd.ErrOrStderr())),
				adjuster.WithPath(r.cfg.ThresholdPath),
				adjuster.WithTimeout(r.cfg.WriteTimeout),
			)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() { _ = adj.Run(ctx) }()

			v, err := adj.Adjust(ctx, float32(d))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "threshold adjusted to %s\n", telemetry.FormatThreshold(v))
			return err
		},
	}
}

func (r *root) simulateCommand() *cobra.Command {
	var (
		interval time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write synthetic sensor samples to the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.open(cmd, false)
			if err != nil {
				return err
			}
			defer s.stop()

			sim := simulator.New(s.store, r.cfg.SamplePath, interval, r.logger(cmd.ErrOrStderr()))
			if count <= 0 {
				err := sim.Run(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			for i := range count {
				if i > 0 {
					select {
					case <-cmd.Context().Done():
						return nil
					case <-time.After(interval):
					}
				}
				e, err := sim.Step(cmd.Context())
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s temperature=%s humidity=%s\n",
					e.Key, e.Fields["temperature"], e.Fields["humidity"]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "time between samples")
	cmd.Flags().IntVar(&count, "count", 0, "number of samples to write (0 runs until interrupted)")
	return cmd
}
