package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ReclaimFunc restores capacity for expired slot holds and returns how
// many it reclaimed.
type ReclaimFunc func(ctx context.Context) (int, error)

// Scheduler drives the cron-scheduled recurring jobs the core requires,
// currently just slot:reclaim-expired-holds every 5 minutes. Kept
// separate from the AMQP-backed JobQueue because recurring producers run
// in-process on a timer rather than traveling over the broker.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
}

func NewScheduler(log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log,
	}
}

// RegisterReclaimJob wires the required slot:reclaim-expired-holds
// producer to fn, running every 5 minutes.
func (s *Scheduler) RegisterReclaimJob(fn ReclaimFunc) error {
	_, err := s.cron.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := fn(ctx)
		if err != nil {
			s.log.WithError(err).Warn("slot:reclaim-expired-holds failed")
			return
		}
		s.log.WithField("reclaimed", n).Info("slot:reclaim-expired-holds completed")
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
