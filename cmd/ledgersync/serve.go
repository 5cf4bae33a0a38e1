package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/internal/api"
	"ledgersync/internal/backoff"
	"ledgersync/internal/breaker"
	"ledgersync/internal/buffer"
	"ledgersync/internal/config"
	"ledgersync/internal/metrics"
	"ledgersync/internal/middleware"
	"ledgersync/internal/repository"
	"ledgersync/internal/schema"
	"ledgersync/internal/service"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type ServeOptions struct {
	*RootOptions
	DevMode bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP API and event stream",
		Long: `Run the sync engine until interrupted. Operations enqueued over HTTP or by
other processes sharing the store are pushed to etcd as connectivity allows.

Examples:
  ledgersync serve
  ledgersync serve --config /etc/ledgersync/config.yaml
  LEDGERSYNC_SERVER_PORT=:9090 ledgersync serve --dev`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DevMode, "dev", false, "accept the X-Dev-Pass header in place of a token")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cl closer
	defer cl.close()

	db, err := initDB(cfg.Store, cfg.Server.Environment)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	cl.add(closeLogged("store", sqlDB.Close))

	rdb, err := initRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		cl.add(closeLogged("redis", rdb.Close))
	}

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	if etcdCli == nil {
		return errors.New("etcd.endpoints is required to serve")
	}
	cl.add(closeLogged("etcd", etcdCli.Close))

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("load payload schemas: %w", err)
	}

	observer := metrics.NewPrometheusObserver()
	queue := repository.NewQueueRepository(db, newNotifier(rdb, cfg.Redis))
	remote := repository.NewEtcdRemote(etcdCli, cfg.Etcd.Prefix)

	brk := breaker.New(breaker.Config{
		Threshold: cfg.Breaker.FailureThreshold,
		CoolDown:  cfg.Breaker.CoolDown,
		OnStateChange: func(from, to v1.BreakerState) {
			observer.SetBreakerState(string(to))
			logger.Warn("circuit breaker state changed", zap.String("from", string(from)), zap.String("to", string(to)))
		},
	})
	observer.SetBreakerState(string(brk.State()))

	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize,
		buffer.NewEventBuffer(cfg.Stream.ReplaySize))

	var marker repository.EntityMarker
	if cfg.Store.MarkEntities {
		marker = repository.NewEntityRepository(db)
	}

	engine := service.NewEngine(service.EngineDeps{
		Queue:     queue,
		Processor: service.NewProcessor(remote, validator, cfg.Engine.CallTimeout),
		Breaker:   brk,
		Backoff:   backoff.NewPolicy(cfg.Engine.BaseDelay, cfg.Engine.MaxDelay),
		Marker:    marker,
		Publisher: hub,
		Observer:  observer,
	}, service.EngineConfig{
		MaxRetries:     cfg.Engine.MaxRetries,
		BatchSize:      cfg.Engine.BatchSize,
		PollInterval:   cfg.Engine.PollInterval,
		StaleClaimAge:  cfg.Engine.StaleClaimAge,
		Dedupe:         cfg.Engine.Dedupe,
		PruneSyncedAge: cfg.Engine.PruneSyncedAge,
	})

	classifier := service.NewKeywordClassifier(cfg.Rescue.TransientPatterns)
	rescue := service.NewRescueService(queue, classifier, newLocker(etcdCli, cfg.Rescue), observer, cfg.Rescue.MaxGenerations)
	if opts.viper.ConfigFileUsed() != "" {
		config.Watch(opts.viper, func(next *config.Config, ev fsnotify.Event) {
			classifier.SetPatterns(next.Rescue.TransientPatterns)
			logger.Info("rescue patterns reloaded", zap.String("file", ev.Name), zap.Strings("patterns", classifier.Patterns()))
		})
	}

	authSvc := service.NewAuthService(rdb, cfg.Auth)
	router := api.RegisterRoutes(api.Handlers{
		Operations: api.NewOperationHandler(engine, rescue),
		Stream:     api.NewStreamHandler(hub),
		Auth:       api.NewAuthHandler(authSvc),
		Health:     api.NewHealthHandler(queue, remote, brk),
	}, api.RouterOptions{
		Tokens:      authSvc,
		Devices:     repository.NewDeviceRepository(db),
		RateLimiter: middleware.NewRateLimiter(rdb, cfg.RateLimit.RequestsPerSecond),
		DevMode:     opts.DevMode,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if err := engine.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if stopErr := engine.Stop(); stopErr != nil && !errors.Is(stopErr, service.ErrEngineNotStarted) {
			err = errors.Join(err, stopErr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited properly")
	return nil
}
