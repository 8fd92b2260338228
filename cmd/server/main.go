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

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/gptian/internal/app"
	"github.com/lukasbauer/gptian/internal/telemetry"
)

const (
	shutdownTimeout      = 10 * time.Second
	sessionDrainTimeout  = 30 * time.Second
	eventLogFlushTimeout = 5 * time.Second
)

func main() {
	cfg := app.LoadConfigFromEnv()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "gptian",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Printf("telemetry setup failed: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop accepting new sessions and let running pipelines flush their
		// remaining text before the listener goes away.
		sessions := a.Sessions()
		sessions.StartDraining()
		logger.Printf("shutting down, %d speech sessions active", sessions.ActiveCount())

		drainCtx, cancel := context.WithTimeout(context.Background(), sessionDrainTimeout)
		defer cancel()
		if err := sessions.Shutdown(drainCtx); err != nil {
			logger.Printf("session drain: %v", err)
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("server: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), eventLogFlushTimeout)
	defer cancel()
	if err := a.EventLog().Wait(flushCtx); err != nil {
		logger.Printf("event log flush: %v", err)
	}
	if err := tp.Shutdown(flushCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	_ = a.Close()
}
