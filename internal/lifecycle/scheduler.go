package lifecycle

import (
	"context"
	"time"

	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

// schedulerInterval is the fixed polling cadence for scheduled transitions.
const schedulerInterval = 2 * time.Second

// Scheduler applies due scheduled closes and suspends. Faulted iterations
// are logged and the loop keeps its fixed cadence; one bad thread does not
// stop the rest of the scan.
type Scheduler struct {
	log      *logger.Logger
	threads  repos.ThreadRepo
	service  Service
	interval time.Duration
}

func NewScheduler(log *logger.Logger, threads repos.ThreadRepo, service Service) *Scheduler {
	return &Scheduler{
		log:      log.With("component", "LifecycleScheduler"),
		threads:  threads,
		service:  service,
		interval: schedulerInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.runLoop(ctx, "scheduled_close", s.scanClose)
	go s.runLoop(ctx, "scheduled_suspend", s.scanSuspend)
}

func (s *Scheduler) runLoop(ctx context.Context, name string, scan func(ctx context.Context)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Scheduler loop started", "loop", name, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler loop stopped", "loop", name)
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("Scheduler scan panicked", "loop", name, "panic", r)
					}
				}()
				scan(ctx)
			}()
		}
	}
}

func (s *Scheduler) scanClose(ctx context.Context) {
	due, err := s.threads.ListDueScheduledClose(dbctx.Context{Ctx: ctx}, time.Now().UTC())
	if err != nil {
		s.log.Warn("Scheduled close scan failed", "error", err)
		return
	}
	for _, t := range due {
		actor := Actor{ID: t.ScheduledCloseID, Name: t.ScheduledCloseName}
		if err := s.service.Close(ctx, t, actor, t.ScheduledCloseSilent); err != nil {
			s.log.Warn("Scheduled close failed", "thread_id", t.ID, "thread_number", t.ThreadNumber, "error", err)
		}
	}
}

func (s *Scheduler) scanSuspend(ctx context.Context) {
	due, err := s.threads.ListDueScheduledSuspend(dbctx.Context{Ctx: ctx}, time.Now().UTC())
	if err != nil {
		s.log.Warn("Scheduled suspend scan failed", "error", err)
		return
	}
	for _, t := range due {
		actor := Actor{ID: t.ScheduledSuspendID, Name: t.ScheduledSuspendName}
		if err := s.service.Suspend(ctx, t, actor); err != nil {
			s.log.Warn("Scheduled suspend failed", "thread_id", t.ID, "thread_number", t.ThreadNumber, "error", err)
		}
		// Suspend clears its own schedule fields on success. Clear them on
		// failure too so a broken thread cannot wedge the scan.
		if t.Status != domain.ThreadStatusSuspended {
			if err := s.service.CancelScheduledSuspend(ctx, t); err != nil {
				s.log.Warn("Could not clear scheduled suspend", "thread_id", t.ID, "error", err)
			}
		}
	}
}
