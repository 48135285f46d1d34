package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"oralroom/internal/bootstrap"
	"oralroom/internal/config"
	"oralroom/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by every command.
type cli struct {
	envFile  string
	logLevel string
	storage  string

	cfg     config.Config
	log     zerolog.Logger
	metrics *http.Server
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "examctl",
		Short:         "Headless oral exam room client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.stopMetrics()
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&c.storage, "storage", "", "session storage backend: memory, bolt or redis")

	root.AddCommand(newJoinCmd(c))
	root.AddCommand(newReconnectCmd(c))
	root.AddCommand(newTokenCmd(c))
	root.AddCommand(newRunCmd(c))
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", c.envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.storage != "" {
		cfg.Storage.Backend = c.storage
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.cfg = cfg
	c.log = logging.New(cfg.LogLevel, cmd.ErrOrStderr())

	if cfg.MetricsAddr != "" {
		c.startMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (c *cli) build(ctx context.Context) (*bootstrap.Services, error) {
	return bootstrap.Build(ctx, c.cfg, c.log)
}

func (c *cli) startMetrics(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	c.metrics = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		c.log.Info().Str("addr", addr).Msg("serving metrics")
		if err := c.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (c *cli) stopMetrics() {
	if c.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.metrics.Shutdown(ctx)
}

// signalContext is cancelled on interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
