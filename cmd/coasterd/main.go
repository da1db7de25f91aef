package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/config"
	"github.com/nKvs-you/roller-coaster-builder/internal/httpapi"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
	"github.com/nKvs-you/roller-coaster-builder/internal/server"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

func main() {
	//1.- Resolve configuration up front so a bad environment fails before any listener opens.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	//2.- Replay sinks: a rolling buffer for on-demand dumps plus a streaming bundle per session.
	recorder, err := replay.NewRecorder(cfg.ReplayDir, nil)
	if err != nil {
		logger.Fatal("create replay recorder", logging.Error(err))
	}
	writer, _, err := replay.NewWriter(cfg.ReplayDir, "session", nil)
	if err != nil {
		logger.Fatal("create replay bundle", logging.Error(err))
	}
	logger.Info("streaming replay bundle", logging.String("dir", writer.Directory()))

	cleaner := replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
		MaxRides: cfg.ReplayMaxCount,
		MaxAge:   cfg.ReplayMaxAge,
	}, logger)
	go cleaner.Run(ctx, time.Hour)

	//3.- Optional ride snapshotting so a restart resumes mid-ride instead of from the station.
	persister, err := server.NewStatePersister(cfg.StateSnapshotPath, cfg.StateSnapshotInterval, logger)
	if err != nil {
		logger.Fatal("open ride snapshot", logging.Error(err))
	}

	opts := []server.HubOption{
		server.WithRecorder(recorder),
		server.WithBundleWriter(writer),
	}
	if persister != nil {
		opts = append(opts, server.WithPersister(persister))
	}
	if cfg.WSAuthSecret != "" {
		authenticator, err := server.NewHMACAuthenticator(cfg.WSAuthSecret)
		if err != nil {
			logger.Fatal("configure websocket auth", logging.Error(err))
		}
		opts = append(opts, server.WithAuthenticator(authenticator))
		logger.Info("websocket authentication enabled")
	}

	hub := server.NewHub(cfg, logger, opts...)
	if err := hub.Start(ctx); err != nil {
		logger.Fatal("start ride hub", logging.Error(err))
	}

	//4.- Queue the startup track unless a persisted ride already claimed the rails.
	if cfg.TrackPath != "" && (persister == nil || persister.LastRide() == nil) {
		layout, err := track.LoadLayout(cfg.TrackPath)
		if err != nil {
			hub.SetStartupError(err)
			logger.Error("load startup track", logging.Error(err), logging.String("path", cfg.TrackPath))
		} else {
			hub.LoadTrack(layout, cfg.ChainLift)
			logger.Info("queued startup track",
				logging.String("track", layout.Name),
				logging.Int("points", len(layout.Points)))
		}
	}

	//5.- The operational HTTP surface shares one listener with the WebSocket hub.
	refill := cfg.ReplayDumpWindow
	if cfg.ReplayDumpBurst > 0 {
		refill = cfg.ReplayDumpWindow / time.Duration(cfg.ReplayDumpBurst)
	}
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Readiness:   hub,
		Stats:       hub.BroadcastStats,
		Ride:        hub.RideState,
		Track:       hub.TrackSummary,
		Ticks:       hub.TickStats,
		Gate:        hub.GateMetrics,
		Commands:    hub.CommandMetrics,
		Replay:      replayDumper(hub, recorder),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewTokenBucketLimiter(cfg.ReplayDumpBurst, refill, nil),
		ReplayStats: recorder.Snapshot,
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	registerControlDocEndpoints(mux)
	mux.HandleFunc("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()
		_ = srv.Shutdown(shutdownCtx)
	}()

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	logger.Info("coaster service listening", logging.String("url", listenerURL(cfg.Address, tlsEnabled)))

	if tlsEnabled {
		err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", logging.Error(err))
	}

	//6.- Drain the simulation and flush every sink before exit.
	cancel()
	hub.Stop()
	if err := writer.Close(); err != nil {
		logger.Warn("close replay bundle", logging.Error(err))
	}
	persister.Close()
	logger.Info("coaster service stopped")
}

// replayDumper rolls the live recorder into a named dump on operator request.
func replayDumper(hub *server.Hub, recorder *replay.Recorder) httpapi.ReplayDumper {
	return httpapi.ReplayDumperFunc(func(context.Context) (string, error) {
		name := hub.TrackSummary().Name
		if name == "" {
			name = "ride"
		}
		path, _, err := recorder.Roll(name)
		return path, err
	})
}
