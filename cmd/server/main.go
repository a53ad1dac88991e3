package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/adapters/archive"
	"github.com/dkeye/confcast/internal/adapters/engine"
	router "github.com/dkeye/confcast/internal/adapters/http"
	wssignal "github.com/dkeye/confcast/internal/adapters/signal"
	"github.com/dkeye/confcast/internal/adapters/store"
	"github.com/dkeye/confcast/internal/app"
	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/app/orch"
	"github.com/dkeye/confcast/internal/config"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

// recordStore is what both the HTTP layer and the rooms need from the store.
type recordStore interface {
	router.ProfileStore
	core.RoomStore
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (recordStore, func(), error) {
	if cfg.Kind == "postgres" {
		pg, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() {
			if err := pg.Close(); err != nil {
				log.Error().Err(err).Msg("close postgres")
			}
		}, nil
	}
	return store.NewMemory(), func() {}, nil
}

func newEngine(cfg config.EngineConfig) (core.Engine, error) {
	if cfg.Kind == "loopback" {
		return engine.NewLoopback(cfg.MirrorIP, int(cfg.PortMin)), nil
	}
	return engine.NewWebRTC(engine.WebRTCConfig{
		ListenIP:        cfg.ListenIP,
		AnnouncedIP:     cfg.AnnouncedIP,
		PortMin:         cfg.PortMin,
		PortMax:         cfg.PortMax,
		MirrorIP:        cfg.MirrorIP,
		IncludeLoopback: cfg.IncludeLoopback,
	})
}

func compositorConfig(cfg config.CompositorConfig) compositor.Config {
	return compositor.Config{
		FFmpegPath:             cfg.FFmpegPath,
		OutputDir:              cfg.OutputDir,
		Debounce:               cfg.Debounce,
		StopTimeout:            cfg.StopTimeout,
		Width:                  cfg.Width,
		Height:                 cfg.Height,
		SegmentSeconds:         cfg.SegmentSeconds,
		ListSize:               cfg.ListSize,
		MirrorCodecs:           cfg.MirrorCodecs,
		MirrorHeaderExtensions: cfg.MirrorHeaderExtensions,
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	records, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store.Kind).Msg("failed to open store")
	}
	defer closeStore()

	eng, err := newEngine(cfg.Engine)
	if err != nil {
		log.Fatal().Err(err).Str("engine", cfg.Engine.Kind).Msg("failed to start media engine")
	}

	rooms := core.NewRoomManager(eng, core.RoomOptions{
		Codecs:  domain.DefaultMediaCodecs(),
		Users:   records,
		Metrics: m,
	})

	deps := router.Deps{
		Users:     records,
		Directory: app.NewRoomDirectory(records, rooms),
		Gatherer:  reg,
	}

	var streams *compositor.Manager
	if cfg.Compositor.Enabled {
		streams = compositor.NewManager(ctx, compositor.ExecLauncher{}, compositorConfig(cfg.Compositor), m)
		rooms.Observe(streams.Hooks())
		deps.Streams = streams
	}

	if cfg.Archive.Enabled {
		objects, err := archive.NewMinIO(ctx, archive.MinIOConfig{
			Endpoint:     cfg.Archive.Endpoint,
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UseSSL:       cfg.Archive.UseSSL,
			MaxRetries:   cfg.Archive.MaxRetries,
			RetryBackoff: 500 * time.Millisecond,
		})
		if err != nil {
			log.Fatal().Err(err).Str("endpoint", cfg.Archive.Endpoint).Msg("failed to connect archive")
		}
		archiver := archive.New(ctx, objects, m)
		defer archiver.Close()
		streams.OnPromote(archiver.OnPromote)
	}

	o := orch.New(app.NewRegistry(), rooms, app.SimplePolicy{}, app.NewRateLimiter(cfg.Rate.Limit, cfg.Rate.Interval), m)
	deps.Signal = wssignal.NewSignalWSController(o, wssignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Trace:      cfg.Mode == "debug",
	})

	r := router.SetupRouter(ctx, cfg, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("engine", cfg.Engine.Kind).Msg("confcast server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	rooms.Close()
	if streams != nil {
		streams.Close()
	}
	log.Info().Msg("Server exited gracefully")
}
