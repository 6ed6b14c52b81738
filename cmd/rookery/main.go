// Package main is the rookery daemon entry point: it wires the stores,
// the hub board, the router, the poll scheduler and the claude
// subprocess layer together, restores interrupted sessions, and serves
// the HTTP/WebSocket gateway until a signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rookery-ai/rookery/pkg/api"
	"github.com/rookery-ai/rookery/pkg/bus"
	"github.com/rookery-ai/rookery/pkg/claude"
	"github.com/rookery-ai/rookery/pkg/config"
	"github.com/rookery-ai/rookery/pkg/dispatch"
	"github.com/rookery-ai/rookery/pkg/hub"
	"github.com/rookery-ai/rookery/pkg/logger"
	"github.com/rookery-ai/rookery/pkg/routing"
	"github.com/rookery-ai/rookery/pkg/scheduler"
	"github.com/rookery-ai/rookery/pkg/store"
	"github.com/rookery-ai/rookery/pkg/summarize"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "console" {
		if err := runConsole(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rookery", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sessions := store.NewSessionDirectory(cfg.SessionsDir())
	history, err := store.OpenHistory(cfg.HistoryDBPath())
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer history.Close()

	board := hub.NewBoard(cfg.Storage.DataDir, cfg.Hub.MaxMessages)
	b := bus.New()

	procs := claude.NewManager(cfg.Agent.Binary, cfg.Agent.Timeout)
	router := routing.NewRouter(cfg.Routing.QueueBound, cfg.Routing.MaxChainDepth,
		cfg.Routing.MentionCooldown, procs.IsBusy, b)
	sched := scheduler.New(board, sessions, router, procs.IsBusy, b,
		cfg.Poll.Interval, cfg.Poll.StaleAfter, cfg.Poll.HeartbeatWarn,
		cfg.Poll.MaxDispatchTick, cfg.Hub.MinContext, cfg.Poll.DigestCron)

	pipeline := dispatch.NewPipeline(procs, board, router, sched, sessions, history, b,
		cfg.Agent.ModelTiers, cfg.Agent.MaxRetries)
	router.SetDispatcher(pipeline)
	sched.SetDispatcher(pipeline)

	if cfg.Summary.Enabled {
		summarizer := summarize.New(cfg.Summary.Model, cfg.Summary.Threshold,
			cfg.Summary.KeepTail, history, b, procs.ForceNewConversation)
		pipeline.SetCompactor(summarizer)
	}

	if err := pipeline.RegisterExisting(); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	if n := pipeline.RestoreInterrupted(cfg.SnapshotPath()); n > 0 {
		logger.InfoCF("main", "interrupted sessions resumed", map[string]interface{}{
			"count": n,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	server := api.NewServer(cfg, pipeline, board, router, sessions, history, procs.IsBusy, b)
	server.SetShutdownFunc(stop)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	logger.InfoCF("main", "rookery running", map[string]interface{}{
		"version": version,
		"data":    cfg.Storage.DataDir,
	})

	<-ctx.Done()
	stop()

	logger.InfoC("main", "shutting down")

	// Let in-flight turns finish, snapshot the rest so they resume on the
	// next start.
	pipeline.DrainAndSnapshot(context.Background(), cfg.Shutdown.DrainTimeout, cfg.SnapshotPath())

	if err := server.Stop(); err != nil {
		logger.WarnCF("main", "gateway stop", map[string]interface{}{"error": err.Error()})
	}
	b.Close()

	logger.InfoC("main", "shutdown complete")
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rookery.yaml"
	}
	return filepath.Join(home, ".rookery", "config.yaml")
}
