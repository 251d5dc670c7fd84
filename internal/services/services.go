// Package services wires the process-wide dependency bundle: one
// Postgres pool, one Redis client, one AMQP-backed job queue, one cron
// scheduler, and the booking coordinator built on top of them.
package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/reservation-core/internal/cache"
	"github.com/iliyamo/reservation-core/internal/config"
	"github.com/iliyamo/reservation-core/internal/coordinator"
	"github.com/iliyamo/reservation-core/internal/eventbus"
	"github.com/iliyamo/reservation-core/internal/lockmanager"
	"github.com/iliyamo/reservation-core/internal/queue"
	"github.com/iliyamo/reservation-core/internal/repository"
)

// Services is every long-lived collaborator constructed once at process
// bootstrap. cmd/server/main.go owns its lifecycle: build it with New,
// call Start to bring up the recurring-job scheduler, and Close to
// tear everything down in reverse order on shutdown.
type Services struct {
	Cfg config.Config
	Log *logrus.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client
	Queue *queue.RabbitMQQueue
	Cron  *queue.Scheduler
	Bus   *eventbus.Bus

	Coordinator *coordinator.Coordinator
}

// New assembles the full dependency graph: Postgres pool, Redis client,
// AMQP connection, lock manager, availability cache, job queue, event
// bus, repositories, and finally the coordinator itself. Any failure
// tears down whatever was already opened before returning the error.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Services, error) {
	pool, err := repository.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("services: postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("services: redis: %w", err)
	}

	jobQueue, err := queue.New(cfg.AMQP, log)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("services: amqp: %w", err)
	}

	lock := lockmanager.New(rdb)
	availCache := cache.New(rdb)
	bus := eventbus.New()
	cron := queue.NewScheduler(log)

	slots := repository.NewSlotRepo(pool)
	bookings := repository.NewBookingRepo(pool)
	users := repository.NewUserRepo(pool)

	coord := coordinator.New(coordinator.Dependencies{
		Lock:     lock,
		Cache:    availCache,
		Slots:    slots,
		Bookings: bookings,
		Users:    users,
		Queue:    jobQueue,
		Bus:      bus,
		Log:      log,
		Cfg:      cfg.Booking,
	})

	if err := cron.RegisterReclaimJob(coord.ReclaimExpiredHolds); err != nil {
		pool.Close()
		_ = rdb.Close()
		_ = jobQueue.Shutdown(ctx)
		return nil, fmt.Errorf("services: register reclaim job: %w", err)
	}

	return &Services{
		Cfg:         cfg,
		Log:         log,
		DB:          pool,
		Redis:       rdb,
		Queue:       jobQueue,
		Cron:        cron,
		Bus:         bus,
		Coordinator: coord,
	}, nil
}

// Start brings up the recurring-job scheduler. A job queue worker pool
// starts consuming as soon as RegisterWorker is called on Queue and needs
// no separate start step; this bundle registers none itself.
func (s *Services) Start() {
	s.Cron.Start()
}

// Close tears the bundle down in reverse dependency order: stop
// accepting new cron ticks first, then drain the job queue, then close
// the broker connections.
func (s *Services) Close(ctx context.Context) {
	s.Cron.Stop(ctx)
	if err := s.Queue.Shutdown(ctx); err != nil {
		s.Log.WithError(err).Warn("services: queue shutdown failed")
	}
	if err := s.Redis.Close(); err != nil {
		s.Log.WithError(err).Warn("services: redis close failed")
	}
	s.DB.Close()
}
