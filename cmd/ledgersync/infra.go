package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledgersync/internal/config"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func initDB(cfg config.StoreConfig, env string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		dialector = sqlite.Open(cfg.DSN + sep + "_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	level := gormlogger.Warn
	if env == "prod" {
		level = gormlogger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if cfg.Driver != "mysql" {
		// sqlite has a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Operation{}, &model.DeadLetterEntry{}, &model.Device{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return db, nil
}

// initRedis returns nil when no address is configured. Redis is an accelerator here:
// cross-process wakeups, refresh tokens and shared rate limits.
func initRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		logger.Warn("redis not configured, using in-process notifier and rate limiter")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// initEtcd does not wait for the cluster: a terminal must start offline and sync later.
func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return client, nil
}

func newNotifier(rdb redis.UniversalClient, cfg config.RedisConfig) repository.Notifier {
	if rdb == nil {
		return repository.NewLocalNotifier()
	}
	return repository.NewRedisNotifier(rdb, cfg.Channel)
}

func newLocker(etcd *clientv3.Client, cfg config.RescueConfig) repository.Locker {
	if etcd == nil {
		logger.Warn("etcd not configured, rescue lock is process-local")
		return repository.NewLocalLocker()
	}
	return repository.NewEtcdLocker(etcd, cfg.LockTTL, cfg.LockWait)
}

// closer collects shutdown steps and runs them in reverse.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func closeLogged(name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("close failed", zap.String("resource", name), zap.Error(err))
		}
	}
}
