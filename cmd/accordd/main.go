// Command accordd runs the coordinator: the task registry, the quorum
// aggregator, the content store and the HTTP/WebSocket surface that
// workers and requesters talk to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"accord/internal/config"
	"accord/internal/contentstore"
	"accord/internal/dispatch"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/quorum"
	"accord/internal/registry"
	"accord/internal/server"
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
		debug      bool
	)
	cmd := &cobra.Command{
		Use:          "accordd",
		Short:        "Consensus task coordinator",
		Long:         "accordd hosts the task registry and quorum aggregator and serves the HTTP API workers submit results to.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug mode")
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand(&configPath))
	return cmd
}

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(*configPath)
			if err != nil {
				return err
			}
			raw, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(raw))
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("accordd %s\n", version)
		},
	}
}

func run(configPath string, debug bool) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(level)
	logger := logging.NewComponentLogger("accordd")

	table, err := cfg.PriceTable()
	if err != nil {
		return err
	}
	store, err := contentstore.New(cfg.ContentStore.Dir, cfg.ContentStore.CacheSize, logging.NewComponentLogger("contentstore"))
	if err != nil {
		return err
	}

	hub := notify.NewHub(logging.NewComponentLogger("notify"))
	dispatcher := dispatch.New(hub, logging.NewComponentLogger("dispatch"))
	reg := registry.New(table, dispatcher, hub, logging.NewComponentLogger("registry"))
	agg, err := quorum.New(reg, dispatcher, hub, cfg.Quorum.Handle, logging.NewComponentLogger("quorum"))
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		EnableCORS:   cfg.Server.EnableCORS,
		Debug:        cfg.Server.Debug,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, reg, agg, store, hub, logging.NewComponentLogger("server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return group.Wait()
}
