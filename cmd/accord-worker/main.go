// Command accord-worker registers a worker with the coordinator, follows
// its event feed and executes redundant compute tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"accord/internal/compute"
	"accord/internal/config"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/server"
	"accord/internal/worker"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		handle     string
		serverURL  string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:          "accord-worker",
		Short:        "Consensus task worker",
		Long:         "accord-worker joins the coordinator's roster, staggers its starts against the other workers and submits compute results.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, handle, serverURL, debug)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&handle, "handle", "", "Worker handle (overrides config)")
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "Coordinator base URL (overrides config)")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug mode")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("accord-worker %s\n", version)
		},
	})
	return cmd
}

func run(configPath, handle, serverURL string, debug bool) error {
	cfg, err := config.LoadWorker(configPath)
	if err != nil && !(errors.Is(err, config.ErrMissingHandle) && handle != "") {
		return err
	}
	if handle != "" {
		cfg.Handle = handle
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Handle == "" {
		return fmt.Errorf("worker handle required (flag --handle or config)")
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(level)
	logger := logging.NewComponentLogger("worker")

	client := server.NewClient(cfg.ServerURL, 30*time.Second, logging.NewComponentLogger("client"))
	provider := compute.NewHTTPClient(compute.Config{
		BaseURL:      cfg.Compute.BaseURL,
		APIKey:       cfg.Compute.APIKey,
		DefaultModel: cfg.Compute.DefaultModel,
		Timeout:      cfg.Compute.Timeout,
		MaxRetries:   cfg.Compute.MaxRetries,
	}, logging.NewComponentLogger("compute"))

	runner := worker.NewRunner(worker.Options{
		Handle:       cfg.Handle,
		BaseInterval: cfg.BaseInterval,
		FetchRetries: cfg.FetchRetries,
	}, client, client, provider, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Register(ctx, cfg.Handle); err != nil {
		return fmt.Errorf("register %q: %w", cfg.Handle, err)
	}
	logger.Info("registered as %q with %s", cfg.Handle, cfg.ServerURL)

	return followEvents(ctx, client.Events, runner.Run, cfg.RedialBackoff, logger)
}

// followEvents dials the coordinator's event feed and hands it to run,
// redialing on disconnect until ctx is cancelled. Every reconnect waits
// backoff first, including after a clean channel close (the coordinator
// drops slow subscribers by closing their feed).
func followEvents(
	ctx context.Context,
	dial func(context.Context) (<-chan notify.Event, error),
	run func(context.Context, <-chan notify.Event) error,
	backoff time.Duration,
	logger logging.Logger,
) error {
	for {
		events, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("event feed dial failed: %v, retrying in %s", err, backoff)
			if sleepErr := sleep(ctx, backoff); sleepErr != nil {
				return nil
			}
			continue
		}
		err = run(ctx, events)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn("event feed closed: %v, redialing in %s", err, backoff)
		} else {
			logger.Warn("event feed closed, redialing in %s", backoff)
		}
		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
