package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kanzaki/switchboard/internal/config"
	"github.com/kanzaki/switchboard/internal/dashboard"
	"github.com/kanzaki/switchboard/internal/db"
	"github.com/kanzaki/switchboard/internal/gateway"
	"github.com/kanzaki/switchboard/internal/logging"
	"github.com/kanzaki/switchboard/internal/maintenance"
	"github.com/kanzaki/switchboard/internal/opencode"
	"github.com/kanzaki/switchboard/internal/relay"
	"github.com/kanzaki/switchboard/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchboard relay",
		Long:  "Listens for OneBot WebSocket connections and relays chat messages to opencode sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Dir)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	gdb, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	st, err := store.New(gdb, log)
	if err != nil {
		return err
	}

	dispatcher := opencode.NewDispatcher(opencode.DispatcherOpts{
		Command:       cfg.OpenCode.Command,
		WorkDir:       cfg.OpenCode.ExpandedWorkDir(),
		MaxConcurrent: cfg.OpenCode.MaxConcurrent,
		Log:           log,
	})

	handler, err := relay.NewHandler(st, dispatcher, log)
	if err != nil {
		return err
	}

	srv, err := gateway.NewServer(cfg.Server.Host, cfg.Server.Port, handler, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	janitor, err := maintenance.NewJanitor(maintenance.JanitorOpts{
		Dir:        cfg.Logging.Dir,
		KeepDays:   cfg.Logging.KeepDays,
		MaxTotalMB: cfg.Logging.MaxTotalMB,
		CronExpr:   cfg.Maintenance.CleanupCron,
		Log:        log,
	})
	if err != nil {
		return err
	}
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	if cfg.Dashboard.Port > 0 {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Store:      st,
				Dispatcher: dispatcher,
				Port:       cfg.Dashboard.Port,
				Log:        log,
			}); err != nil {
				log.Error().Err(err).Msg("dashboard stopped")
			}
		}()
	}

	log.Info().Str("version", Version).Msg("switchboard starting")
	return srv.Run(ctx)
}
