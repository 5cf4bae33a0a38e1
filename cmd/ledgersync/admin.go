package main

import (
	"context"

	"ledgersync/internal/metrics"
	"ledgersync/internal/repository"
	"ledgersync/internal/service"
	"ledgersync/pkg/logger"

	"go.uber.org/zap"
)

// adminStore is the queue as the offline admin commands see it. Redis, when
// reachable, lets a running server notice reinstated work right away.
type adminStore struct {
	queue  *repository.QueueRepository
	rescue *service.RescueService
	closer closer
}

func openAdminStore(ctx context.Context, opts *RootOptions) (*adminStore, error) {
	cfg := opts.cfg
	s := &adminStore{}

	db, err := initDB(cfg.Store, cfg.Server.Environment)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		s.closer.add(closeLogged("store", sqlDB.Close))
	}

	rdb, err := initRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, a running server picks changes up on its next poll", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		s.closer.add(closeLogged("redis", rdb.Close))
	}

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		s.closer.close()
		return nil, err
	}
	if etcdCli != nil {
		s.closer.add(closeLogged("etcd", etcdCli.Close))
	}

	s.queue = repository.NewQueueRepository(db, newNotifier(rdb, cfg.Redis))
	s.rescue = service.NewRescueService(s.queue,
		service.NewKeywordClassifier(cfg.Rescue.TransientPatterns),
		newLocker(etcdCli, cfg.Rescue),
		metrics.Nop{},
		cfg.Rescue.MaxGenerations)
	return s, nil
}

func (s *adminStore) Close() {
	s.closer.close()
}
