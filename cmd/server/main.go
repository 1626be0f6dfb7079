package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rollgate/internal/api"
	"rollgate/internal/config"
	"rollgate/internal/lock"
	"rollgate/internal/metrics"
	"rollgate/internal/privacy"
	"rollgate/internal/repository"
	"rollgate/internal/service"
	"rollgate/internal/telemetry"
	"rollgate/internal/vitals"
	"rollgate/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()
	if err := logger.SetLevel(cfg.Server.LogLevel); err != nil {
		logger.Warn("ignoring invalid server.log_level", zap.String("log_level", cfg.Server.LogLevel), zap.Error(err))
	}

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.DevMode {
		return errors.New("auth.jwt_secret is required unless auth.dev_mode is set")
	}

	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observer := metrics.NewPrometheusObserver()

	// 3. Initialize Infrastructure (Redis and etcd are optional)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		var err error
		if rdb, err = initRedis(cfg.Redis); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var etcdCli *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		var err error
		if etcdCli, err = initEtcd(cfg.Etcd); err != nil {
			return err
		}
		defer etcdCli.Close()
	}

	locker, err := initLocker(cfg.Lock, rdb, etcdCli)
	if err != nil {
		return err
	}
	locker = lock.Instrument(locker, cfg.Lock.Backend, observer)

	// 4. Initialize Repositories
	st, err := initStore(cfg.Store, cfg.MySQL, locker, etcdCli != nil)
	if err != nil {
		return err
	}

	// 5. Initialize Services
	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize)
	feed := service.NewFeed(hub, cfg.Stream.RevisionBufferSize)

	runtime := service.NewRuntime(cfg.Runtime.Service())
	config.WatchRuntime(viper.GetViper(), runtime)

	erasure := privacy.NewLog(cfg.Privacy.ErasureLog)
	provider := vitals.NewSelfHosted(vitals.Config{
		VitalsFile: cfg.Metrics.VitalsFile,
		ErrorsFile: cfg.Metrics.ErrorsFile,
		Window:     cfg.Metrics.Window,
		CacheTTL:   cfg.Metrics.CacheTTL,
	}, erasure, vitals.WithObserver(observer))

	var sink telemetry.Sink = telemetry.Discard{}
	var fileSink *telemetry.FileSink
	if cfg.Metrics.TelemetryFile != "" {
		fileSink = telemetry.NewFileSink(cfg.Metrics.TelemetryFile, cfg.Metrics.TelemetryBuffer, observer)
		sink = fileSink
	}

	var (
		etcdRepo  *repository.EtcdFlagRepository
		publisher service.Publisher = service.LocalPublisher{Feed: feed}
	)
	if etcdCli != nil {
		etcdRepo = repository.NewEtcdFlagRepository(etcdCli)
		publisher = service.EtcdPublisher{Repo: etcdRepo}
	}

	deps := service.Deps{
		Store:     st.flags,
		Audit:     st.audit,
		Feed:      feed,
		Publisher: publisher,
		Runtime:   runtime,
		Telemetry: sink,
		Observer:  observer,
		LockTTL:   cfg.Lock.TTL,
	}
	flags := service.NewFlagService(deps)
	rollout := service.NewRolloutController(deps, provider)
	privacySvc := service.NewPrivacyService(deps, erasure, cfg.Targets(), cfg.Privacy.PurgeMaxBytes)

	if err := flags.Warm(ctx); err != nil {
		return fmt.Errorf("failed to load flags: %w", err)
	}

	maintenance := service.NewMaintenanceWorker(
		privacy.NewCompactor(erasure, privacy.WithRetention(cfg.Privacy.Retention)),
		cfg.Targets(),
		privacy.RotateOptions{MaxBytes: cfg.Privacy.RotateMaxBytes, MaxAge: cfg.Privacy.RotateMaxAge},
		cfg.Privacy.CompactionInterval,
		observer,
	)

	// 6. Initialize & Start Workers (Background Tasks)
	go func() {
		logger.Info("starting hub")
		hub.Run(ctx)
	}()
	if fileSink != nil {
		go fileSink.Run(ctx)
	}
	go func() {
		logger.Info("starting maintenance worker")
		maintenance.Run(ctx)
	}()
	if etcdRepo != nil {
		watcher := service.NewWatcher(etcdRepo, feed)
		reconciler := service.NewReconciler(st.flags, etcdRepo, lock.NewEtcd(etcdCli, "/locks/rollgate-reconciler/"), cfg.Workers.ReconcilerInterval)
		go func() {
			logger.Info("starting etcd watcher")
			watcher.Run(ctx)
		}()
		go func() {
			logger.Info("starting reconciler")
			reconciler.Run(ctx)
		}()
		if st.outbox != nil {
			outboxWorker := service.NewOutboxWorker(st.outbox, etcdRepo, cfg.Workers.OutboxInterval).
				WithRetention(cfg.Workers.OutboxRetention)
			go func() {
				logger.Info("starting outbox worker")
				outboxWorker.Run(ctx)
			}()
		}
	}

	// 7. Setup HTTP Server
	opts := api.RouterOptions{
		Observer:          observer,
		JWTSecret:         []byte(cfg.Auth.JWTSecret),
		DevMode:           cfg.Auth.DevMode,
		CorsOrigins:       cfg.Server.CorsOrigins,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
	}
	if rdb != nil {
		opts.Redis = rdb
	}
	r := api.RegisterRoutes(api.Handlers{
		Flag:    api.NewFlagHandler(flags, etcdRepo),
		Rollout: api.NewRolloutHandler(rollout, flags, provider),
		Privacy: api.NewPrivacyHandler(privacySvc),
		Stream:  api.NewStreamHandler(flags, hub),
	}, opts)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	// 8. Start Server
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("store", cfg.Store.Driver),
			zap.String("lock", cfg.Lock.Backend),
			zap.Bool("etcd", etcdRepo != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Create a deadline to wait for current requests to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Signal all workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if fileSink != nil {
		fileSink.Wait()
	}
	if err := st.close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initLocker(cfg config.LockConfig, rdb *redis.Client, etcdCli *clientv3.Client) (lock.Locker, error) {
	switch cfg.Backend {
	case "", "memory":
		return lock.NewMemory(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("lock.backend redis needs redis.addr")
		}
		return lock.NewRedis(rdb, ""), nil
	case "etcd":
		if etcdCli == nil {
			return nil, errors.New("lock.backend etcd needs etcd.endpoints")
		}
		return lock.NewEtcd(etcdCli, ""), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}

type stores struct {
	flags  repository.FlagStore
	audit  repository.AuditInterface
	outbox repository.OutboxInterface
	close  func() error
}

func initStore(cfg config.StoreConfig, mysqlCfg config.MySQLConfig, locker lock.Locker, mirrored bool) (*stores, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "memory":
		st := &stores{audit: repository.NewMemoryAudit(1000), close: func() error { return nil }}
		if cfg.File == "" {
			st.flags = repository.NewMemoryStore(locker)
			return st, nil
		}
		mem, err := repository.OpenFileStore(cfg.File, locker)
		if err != nil {
			return nil, fmt.Errorf("failed to open store file: %w", err)
		}
		st.flags = mem
		return st, nil
	case "mysql":
		dialector = mysql.Open(mysqlCfg.DSN)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	if err := repository.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var opts []repository.GormOption
	st := &stores{audit: repository.NewAuditRepository(db)}
	if mirrored {
		opts = append(opts, repository.WithOutbox())
		st.outbox = repository.NewOutboxRepository(db)
	}
	st.flags = repository.NewGormStore(db, locker, opts...)
	st.close = func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return st, nil
}
