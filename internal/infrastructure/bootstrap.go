package infrastructure

import (
	"context"
	"log/slog"

	"clinika/internal/config"
	"clinika/internal/lock"
	"clinika/internal/repository"
	"clinika/internal/service"
	transportHTTP "clinika/internal/transport/http"
	transportNATS "clinika/internal/transport/nats"
	"clinika/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)
	bus := transportNATS.NewBus(nc)

	// Repositories publish document snapshots through the bus; the mirror
	// worker on the other end folds them into mirror_documents.
	historyRepo := repository.NewHistoryRepo(db, bus)
	idemRepo := repository.NewIdempotencyRepo(db)
	purchaseRepo := repository.NewPurchaseRepo(db, bus)
	capacityRepo := repository.NewCapacityRepo(db, bus)
	mirrorRepo := repository.NewMirrorRepo(db)

	locks := lock.NewRedisManager(rdb, cfg.LockNameMaxLen)

	historySvc := service.NewRecordService(historyRepo, idemRepo, locks, service.RecordOptions{
		LockLease:    cfg.LockLease(),
		DupWindow:    cfg.DupWindow(),
		PollAttempts: cfg.IdemPollAttempts,
		PollInterval: cfg.IdemPollInterval(),
	})
	purchaseSvc := service.NewConfirmationService(purchaseRepo, capacityRepo)

	servers := []Server{
		worker.NewMirrorWorker(mirrorRepo, nc),
		transportNATS.NewHandler(purchaseSvc, nc),
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, historySvc, purchaseSvc))
	} else {
		slog.Info("HTTP API disabled", "reason", apiErr.Error())
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
