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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caesar-terminal/quotesource/internal/config"
	"github.com/caesar-terminal/quotesource/internal/health"
	"github.com/caesar-terminal/quotesource/internal/logger"
	"github.com/caesar-terminal/quotesource/internal/progress"
	"github.com/caesar-terminal/quotesource/internal/quotes/csvsource"
	"github.com/caesar-terminal/quotesource/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.Env)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("quotesource exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport := server.NewWSTransport(server.DefaultWSConfig(), log)
	opts := server.Options{
		ExchangeID:       cfg.ExchangeID,
		Loader:           csvsource.NewLoader(),
		PollInterval:     cfg.Control.PollInterval,
		ReapOnDisconnect: cfg.Control.ReapOnDisconnect,
		Logger:           log,
	}

	// Background workers stop when bgCtx is cancelled, after the loop.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		w := progress.NewWriter(progress.NewRedisClient(rdb), cfg.Redis.KeyPrefix, cfg.ExchangeID, 4096, log)
		go w.Run(bgCtx)
		opts.Observer = w
		log.Info("progress tracking enabled", zap.String("redis", cfg.Redis.Addr))
	}

	var hs *health.Server
	if cfg.Health.Addr != "" {
		var err error
		hs, err = health.New(cfg.Health.Addr)
		if err != nil {
			return err
		}
		go func() {
			if err := hs.Serve(); err != nil {
				log.Warn("health server error", zap.Error(err))
			}
		}()
		defer hs.GracefulStop()
		log.Info("health endpoint listening", zap.String("addr", hs.Addr()))
	}

	loop := server.NewEventLoop(transport, opts)

	mux := http.NewServeMux()
	mux.Handle(cfg.Control.Path, transport)
	httpSrv := &http.Server{Addr: cfg.Control.Addr, Handler: mux}

	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// The loop is stopped through its control protocol, never by ctx.
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(context.Background()) }()

	if hs != nil {
		hs.SetServing(true)
	}
	log.Info("quotesource ready",
		zap.String("exchange", cfg.ExchangeID),
		zap.String("addr", cfg.Control.Addr),
		zap.String("path", cfg.Control.Path))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
		if err := loop.Stop(cfg.Control.StopTimeout); err != nil {
			log.Warn("event loop stop", zap.Error(err))
		}
	case err := <-loopErr:
		runErr = err
	case err := <-httpErr:
		runErr = fmt.Errorf("control endpoint: %w", err)
		if err := loop.Stop(cfg.Control.StopTimeout); err != nil {
			log.Warn("event loop stop", zap.Error(err))
		}
	}

	if hs != nil {
		hs.SetServing(false)
	}
	transport.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	log.Info("quotesource stopped")
	return runErr
}
