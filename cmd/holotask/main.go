package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"holotask/internal/api"
	"holotask/internal/config"
	"holotask/internal/domain"
	"holotask/internal/engine"
	httphandler "holotask/internal/handlers/http"
	"holotask/internal/handlers/shell"
	"holotask/internal/notify"
	"holotask/internal/runner"
	"holotask/internal/store"
	"holotask/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML or JSON config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof routes and debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.ApplyEnv(nil)
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *debug {
		cfg.Debug = true
		cfg.Log.Level = "debug"
	}
	rc, err := cfg.Resolve()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(rc.LogLevel)
	if cfg.Log.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	fgStore := store.NewSQLiteStore(db)

	bgStore, err := store.NewFileStore(cfg.Store.RunnerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open runner store")
	}

	registry := worker.NewRegistry()
	web := httphandler.HTTP{}
	registry.Register(domain.TypeHTTP, web)
	registry.Register(domain.TypeWebAutomation, web)
	registry.Register(domain.TypeMonitoring, web)
	registry.Register(domain.TypeDataExtraction, web)
	if cfg.Handlers.Shell {
		registry.Register(domain.TypeShell, shell.Shell{Dir: cfg.Handlers.ShellDir})
	}
	log.Info().Strs("types", registry.Types()).Msg("task handlers registered")

	var notifiers notify.Multi
	if cfg.Notify.Log {
		notifiers = append(notifiers, notify.Log{})
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, notify.WebhookOptions{
			Timeout:    rc.WebhookTimeout,
			RatePerSec: cfg.Notify.WebhookRate,
		}))
	}

	locks := engine.NewLockSet()
	fg := engine.New(fgStore, registry, notifiers, engine.Options{
		Name:        "foreground",
		Location:    rc.Location,
		Concurrency: cfg.Engine.Concurrency,
		StaleAfter:  rc.StaleAfter,
		ExecTimeout: rc.ExecTimeout,
		Locks:       locks,
	})

	// The runner gets its own context so it can still take the foreground
	// state after the foreground loop has stopped.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var (
		extra  []api.StatusSource
		bg     *runner.Runner
		client *runner.Client
	)
	if rc.RunnerEnabled {
		bg = runner.New(bgStore, registry, notifiers, engine.Options{
			Location:    rc.Location,
			Concurrency: cfg.Runner.Concurrency,
			StaleAfter:  rc.StaleAfter,
			ExecTimeout: rc.ExecTimeout,
			Locks:       locks,
		}, runner.Options{WakeInterval: rc.WakeInterval})
		if err := bg.Start(bgCtx); err != nil {
			log.Fatal().Err(err).Msg("start runner")
		}
		extra = append(extra, bg.Engine())

		client = bg.Connect(64)
		rep, err := runner.Reclaim(bgCtx, client, fg)
		if err != nil {
			log.Error().Err(err).Msg("reclaim runner state")
		} else if rep.Tasks > 0 || rep.Kept > 0 {
			log.Info().Int("tasks", rep.Tasks).Int("results", rep.Results).Int("kept", rep.Kept).Msg("reclaimed runner state")
		}
		go func() {
			for msg := range client.Events() {
				switch m := msg.(type) {
				case runner.TaskCompleted:
					log.Debug().Str("task_id", m.Task.ID).Msg("background task completed")
				case runner.TaskFailed:
					log.Debug().Str("task_id", m.Task.ID).Bool("exhausted", m.Exhausted).Msg("background task failed")
				}
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	fgDone := make(chan struct{})
	go func() {
		defer close(fgDone)
		fg.Run(ctx, rc.PollInterval)
	}()

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(fg, api.Options{Debug: cfg.Debug, Extra: extra})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("tz", rc.Location.String()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	<-fgDone
	if bg != nil {
		n, err := runner.Handoff(ctxTimeout, client, fg)
		if err != nil {
			log.Error().Err(err).Msg("hand off to runner")
		} else {
			log.Info().Int("tasks", n).Msg("handed tasks to runner")
		}
		client.Close()
		cancelBg()
		bg.Stop()
	}
	if err := bgStore.Close(); err != nil {
		log.Error().Err(err).Msg("close runner store")
	}
}
