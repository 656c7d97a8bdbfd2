package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bustrack/internal/broadcast"
	"bustrack/internal/config"
	"bustrack/internal/eta"
	"bustrack/internal/ingest"
	"bustrack/internal/vehicle"
)

var (
	configPath = flag.String("config", "config.yml", "Path to the YAML configuration")
	httpPort   = flag.Int("port", 0, "HTTP port, overrides server.port")
	logLevel   = flag.String("log_level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	if err := initLogging(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func initLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid -log_level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
	return nil
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var persister vehicle.Persister = vehicle.NopPersister{}
	if cfg.Storage.Dir != "" {
		fp, err := vehicle.NewFilePersister(cfg.Storage.Dir)
		if err != nil {
			return err
		}
		persister = fp
	}
	estimator, err := eta.New(eta.Options{
		Landmark:        cfg.ETA.Landmark,
		AverageSpeedKmh: cfg.ETA.AverageSpeedKmh,
		UseLiveSpeed:    cfg.ETA.UseLiveSpeed,
		MinLiveSpeedKmh: cfg.ETA.MinLiveSpeedKmh,
	})
	if err != nil {
		return err
	}
	store, err := vehicle.NewStore(ctx, cfg.ProvisionedVehicles(), persister,
		vehicle.WithETA(estimator.Estimate))
	if err != nil {
		return err
	}
	router := broadcast.NewRouter()
	handler := ingest.NewHandler(store, estimator, router, ingest.WithMinSpeed(cfg.Ingest.MinSpeedKmh))

	// Requests and websocket pings run on their own context so in-flight updates can finish
	// while the server drains.
	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	s := newServer(srvCtx, store, router, handler, cfg.Server.SendQueueSize)
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           withLogging(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr, "vehicles", store.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	pollCtx, pollCancel := context.WithCancel(gctx)
	defer pollCancel()
	if feed := selectFeed(cfg.Feed); feed != nil {
		p := newPoller(feed, handler,
			time.Duration(cfg.Feed.RefreshSeconds)*time.Second,
			time.Duration(cfg.Feed.TimeoutMS)*time.Millisecond)
		g.Go(func() error { return p.run(pollCtx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated")
		pollCancel()
		router.Close()
		s.hub.closeAll()

		sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		slog.Info("http server shut down")
		return nil
	})
	return g.Wait()
}

// selectFeed returns the configured upstream feed, or nil when none is set.
func selectFeed(f config.FeedConfig) FeedSource {
	timeout := time.Duration(f.TimeoutMS) * time.Millisecond
	switch {
	case f.GTFSRTURL != "":
		return NewGtfsRtFeedSource(f.GTFSRTURL, timeout)
	case f.SIRIXMLURL != "":
		return NewSiriXMLFeedSource(f.SIRIXMLURL, timeout)
	case f.SIRIJSONURL != "":
		return NewSiriJSONFeedSource(f.SIRIJSONURL, timeout)
	default:
		return nil
	}
}
