package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/gateway"
	"github.com/taskherd/taskherd/internal/heartbeat"
	"github.com/taskherd/taskherd/internal/limiter"
	"github.com/taskherd/taskherd/internal/scheduler"
	"github.com/taskherd/taskherd/internal/storage"
	"github.com/taskherd/taskherd/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the taskherd daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	// Task store and lifecycle manager
	repo := tasks.NewFileRepository(cfg.Tasks.Dir)
	manager, err := tasks.NewManager(tasks.ManagerConfig{
		Repo: repo,
		Limiter: limiter.New(limiter.Limits{
			Default:     cfg.Limits.Default,
			PerKey:      cfg.Limits.PerKey,
			PerProvider: cfg.Limits.PerProvider,
		}),
		Bus:         bus,
		MaxInFlight: cfg.Tasks.MaxInFlight,
		MaxQueued:   cfg.Tasks.MaxQueued,
	})
	if err != nil {
		return err
	}

	// Liveness sweeper
	sweeper := tasks.NewSweeper(tasks.SweeperConfig{
		Manager:     manager,
		Interval:    cfg.Tasks.SweepInterval.Duration(),
		TaskTimeout: cfg.Tasks.TaskTimeout.Duration(),
		StaleAfter:  cfg.Tasks.StaleAfter.Duration(),
		Bus:         bus,
	})
	sweeper.Start()
	defer sweeper.Stop()

	// Scheduler
	sched := scheduler.New(scheduler.Config{
		Launcher: manager,
		Bus:      bus,
		Store:    scheduler.NewStore(config.SchedulesPath()),
	})
	sched.Start()
	defer sched.Stop()

	// Event log
	eventLog := storage.NewEventLogger(config.EventLogDir(), bus)
	defer eventLog.Close()

	// Heartbeat
	hb := heartbeat.NewWriter(config.HeartbeatPath(), func() heartbeat.Stats {
		all := manager.All()
		running := len(manager.Running())
		queued := 0
		for _, t := range all {
			if t.Status == tasks.StatusQueued {
				queued++
			}
		}
		return heartbeat.Stats{Running: running, Queued: queued, Total: len(all)}
	})
	hb.Start()
	defer hb.Stop()

	// SIGHUP reloads config and .env
	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for range hupCh {
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			} else {
				slog.Info("config reloaded", "path", configPath)
			}
		}
	}()

	// Gateway server
	server := gateway.NewServer(bus, manager, cfg.Gateway.Host, cfg.Gateway.Port, gateway.Options{
		Scheduler: sched,
		EventLog:  eventLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
