// Command voice-relay answers phone calls and relays their audio to a
// realtime speech-AI backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/internal/config"
	"github.com/birddigital/voice-relay/pkg/callstore"
	"github.com/birddigital/voice-relay/pkg/realtime"
	"github.com/birddigital/voice-relay/pkg/relay"
	"github.com/birddigital/voice-relay/pkg/signalwire"
	"github.com/birddigital/voice-relay/pkg/style"
	"github.com/birddigital/voice-relay/pkg/telephony"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	relayCfg, err := cfg.Realtime.RelayConfig()
	if err != nil {
		return err
	}

	// Call store: Postgres when configured, otherwise in memory.
	var store callstore.Store = callstore.NewMemoryStore()
	if cfg.Database.URL != "" {
		pool, err := callstore.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		pg := callstore.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("call records stored in postgres")
	} else {
		logger.Info("DATABASE_URL not set, keeping call records in memory")
	}

	var calls telephony.CallController
	if cfg.SignalWire.Enabled() {
		client := signalwire.NewClient(cfg.SignalWire.ProjectID, cfg.SignalWire.Token, cfg.SignalWire.Space)
		if err := client.ValidateConfiguration(); err != nil {
			return err
		}
		calls = client
		logger.Info("outbound calling enabled", zap.String("space", cfg.SignalWire.Space))
	}

	realtimeCfg := cfg.Realtime.Client()
	registry := telephony.NewCallRegistry(logger)
	handlers := telephony.NewCallHandlers(telephony.HandlerConfig{
		PublicHost:     cfg.Server.PublicHost,
		Relay:          relayCfg,
		StyleSwitching: cfg.Style.Enabled,
		Prompts:        style.PromptSet{Base: cfg.Realtime.Instructions},
		CallerID:       cfg.SignalWire.CallerID,
	}, telephony.Dependencies{
		Registry: registry,
		Store:    store,
		Calls:    calls,
		DialUpstream: func(ctx context.Context) (relay.UpstreamChannel, error) {
			client, err := realtime.Dial(ctx, realtimeCfg, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Logger: logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","active_calls":%d}`, registry.Len())
	})
	handlers.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("voice relay listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model", cfg.Realtime.Model),
		zap.String("audio_format", cfg.Realtime.AudioFormat),
		zap.Bool("style_switching", cfg.Style.Enabled),
	)
	return runServer(ctx, srv, registry, cfg.Server.ShutdownTimeout)
}

func runServer(ctx context.Context, srv *http.Server, registry *telephony.CallRegistry, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Media streams are hijacked connections Shutdown does not track.
		registry.CloseAll()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want json or console", cfg.Format)
	}
	zcfg.Level = level
	return zcfg.Build()
}
