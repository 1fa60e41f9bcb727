// Command chatbridge runs the session-lease bridge: an HTTP API in front of
// a pool of credential-bound interactive chat sessions.
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

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/chatbridge/pkg/api"
	"github.com/odvcencio/chatbridge/pkg/bus"
	"github.com/odvcencio/chatbridge/pkg/config"
	"github.com/odvcencio/chatbridge/pkg/credential"
	"github.com/odvcencio/chatbridge/pkg/logging"
	"github.com/odvcencio/chatbridge/pkg/observability"
	"github.com/odvcencio/chatbridge/pkg/relay"
	"github.com/odvcencio/chatbridge/pkg/session"
	"github.com/odvcencio/chatbridge/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	listen := flag.String("listen", "", "Override server listen address")
	flag.Parse()

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintln(os.Stderr, "chatbridge:", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, ulid.Make().String())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		}()
	}

	var eventBus bus.MessageBus
	switch cfg.Bus.Driver {
	case "nats":
		eventBus, err = bus.NewNATSBus(bus.Config{URL: cfg.Bus.URL, Name: "chatbridge"})
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
	default:
		eventBus = bus.NewMemoryBus()
	}
	defer eventBus.Close()

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	if len(cfg.Credentials.Tokens) == 0 {
		logger.Warn(logging.CategoryCredential, "empty_pool",
			"no access tokens configured; every ask will fail with no capacity", nil)
	}
	pool := credential.NewPool(cfg.Credentials.Tokens)

	runtime, err := session.NewRemoteRuntime(session.RemoteConfig{
		CommandURL:     cfg.Session.CommandURL,
		EventsURL:      cfg.Session.EventsURL,
		DialTimeout:    time.Duration(cfg.Session.DialTimeoutSecs) * time.Second,
		CommandTimeout: time.Duration(cfg.Session.CommandTimeoutSecs) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init session runtime: %w", err)
	}

	leaser := session.NewLeaser(runtime, pool, logger)
	defer leaser.Close()

	rly := relay.New(leaser, eventBus, store, logger, relay.Config{
		WatchdogTimeout:     cfg.Relay.WatchdogTimeout(),
		FailureThreshold:    cfg.Relay.FailureThreshold,
		RetryBudget:         cfg.Relay.RetryBudget,
		SimilarityThreshold: cfg.Relay.SimilarityThreshold,
	})

	srv := api.NewServer(api.ServerConfig{
		Address:        cfg.Server.Listen,
		Asker:          rly,
		Pool:           pool,
		Store:          store,
		EventBus:       eventBus,
		Logger:         logger,
		RatePerSecond:  cfg.Server.RatePerSecond,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
