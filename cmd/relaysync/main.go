package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaysync/internal/bookmarks"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relay"
	"github.com/agentworkforce/relaysync/internal/transport"
)

type Config struct {
	Addr               string        `env:"RELAYSYNC_ADDR" envDefault:":8090"`
	JWTSecret          string        `env:"RELAYSYNC_JWT_SECRET"`
	InternalHMACSecret string        `env:"RELAYSYNC_INTERNAL_HMAC_SECRET"`
	InternalMaxSkew    time.Duration `env:"RELAYSYNC_INTERNAL_MAX_SKEW" envDefault:"5m"`
	// RateLimit is requests per second per identity; zero disables limiting.
	RateLimit       float64       `env:"RELAYSYNC_RATE_LIMIT" envDefault:"0"`
	RateBurst       int           `env:"RELAYSYNC_RATE_BURST" envDefault:"20"`
	MaxBodyBytes    int64         `env:"RELAYSYNC_MAX_BODY_BYTES" envDefault:"1048576"`
	BookmarksDSN    string        `env:"RELAYSYNC_BOOKMARKS_DSN"`
	SeedFile        string        `env:"RELAYSYNC_SEED_FILE"`
	ShutdownTimeout time.Duration `env:"RELAYSYNC_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// ParseConfig reads the environment, then lets flags override it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.BookmarksDSN, "bookmarks-dsn", cfg.BookmarksDSN, "bookmark store DSN (memory://, file://path, postgres://...)")
	fs.StringVar(&cfg.SeedFile, "seed", cfg.SeedFile, "YAML fixture loaded at startup")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "requests per second per identity (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "rate limiter burst")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay failed")
	}
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	handler, cleanup, err := buildHandler(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("relaysync listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Push connections are hijacked, so Shutdown does not wait for them.
	cleanup()
	return srv.Shutdown(shutdownCtx)
}

// buildHandler wires storage, the relay and the metrics endpoint. cleanup
// is safe to call more than once.
func buildHandler(cfg Config, logger zerolog.Logger, reg *prometheus.Registry) (http.Handler, func(), error) {
	store, err := bookmarks.BuildStoreFromDSN(cfg.BookmarksDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("bookmark store: %w", err)
	}
	state := relay.NewState(nil)
	if cfg.SeedFile != "" {
		seed, err := relay.LoadSeed(cfg.SeedFile)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		if err := state.ApplySeed(seed); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info().Str("seed", cfg.SeedFile).Int("rooms", len(seed.Rooms)).Int("notifications", len(seed.Notifications)).Msg("seed loaded")
	}
	validator, err := transport.NewEnvelopeValidator()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := relay.NewServer(relay.Options{
		State:     state,
		Bookmarks: store,
		Config: relay.Config{
			JWTSecret:          cfg.JWTSecret,
			InternalHMACSecret: cfg.InternalHMACSecret,
			InternalMaxSkew:    cfg.InternalMaxSkew,
			RateLimit:          rate.Limit(cfg.RateLimit),
			RateBurst:          cfg.RateBurst,
			MaxBodyBytes:       cfg.MaxBodyBytes,
		},
		Logger:    &logger,
		Metrics:   relay.NewMetrics(reg),
		Validator: validator,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", server)

	var closed bool
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		server.Close()
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close bookmark store")
		}
	}
	return mux, cleanup, nil
}
