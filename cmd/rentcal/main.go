package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentcal/internal/config"
	"rentcal/internal/ics"
	"rentcal/internal/importer"
	appLog "rentcal/internal/log"
	"rentcal/internal/store"
	"rentcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file when set.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	level, ok := appLog.ParseLevel(conf.LogLevel)
	if !ok {
		appLog.Warn("unknown log level, using info", "log_level", conf.LogLevel)
	}
	appLog.SetLevel(level)

	appLog.Info("rentcal starting", "version", "0.1.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"units", len(conf.Units),
		"sources", len(conf.Sources()),
		"store", conf.Store.Driver,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("rentcal failed", err)
		os.Exit(1)
	}
	appLog.Info("rentcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	backend, err := store.OpenBackend(conf.Store)
	if err != nil {
		return err
	}
	defer backend.Close()

	st, err := store.New(ctx, backend, store.WithNotesTTL(conf.NotesTTL()))
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
		loc = time.Local
	}

	im := importer.New(importer.Config{
		Sources:       conf.Sources(),
		Concurrency:   conf.FetchConcurrency,
		Location:      loc,
		ExpandBack:    time.Duration(conf.WindowBackDays) * 24 * time.Hour,
		ExpandForward: time.Duration(conf.ExpandDays) * 24 * time.Hour,
	}, ics.NewFetcher(conf.CacheDir, conf.FetchTimeout()), st)

	report := im.RunOnce(ctx)
	if once {
		return report.Err()
	}

	sched, err := importer.NewScheduler(ctx, conf.RefreshCron, loc, 5*time.Minute, im)
	if err != nil {
		return err
	}
	sched.Start()
	appLog.Info("refresh scheduled", "schedule", conf.RefreshCron, "next", sched.Next().Format(time.RFC3339))

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, st, im).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	sched.Stop(shutdownCtx)
	return serveErr
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./rentcal.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one import cycle and exit")

	flag.Parse()

	return cfg
}
