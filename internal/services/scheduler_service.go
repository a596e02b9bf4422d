package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"daybreak/internal/models"
)

// pregenActiveWindow selects which users get a pre-generated draft: anyone
// active within this window.
const pregenActiveWindow = 14 * 24 * time.Hour

// SchedulerService runs the nightly pre-generation job: enqueue tomorrow's
// draft for every recently active user, so the draft is ready before the
// user opens the app.
type SchedulerService struct {
	scheduler gocron.Scheduler
	users     UserStore
	entries   EntryStore
	queue     Queue
	cronExpr  string
}

// NewSchedulerService validates the cron expression and builds the
// scheduler. An invalid expression is a configuration error.
func NewSchedulerService(users UserStore, entries EntryStore, queue Queue, cronExpr string) (*SchedulerService, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid pre-generation cron expression %q: %w", cronExpr, err)
	}

	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &SchedulerService{
		scheduler: scheduler,
		users:     users,
		entries:   entries,
		queue:     queue,
		cronExpr:  cronExpr,
	}, nil
}

// Start registers and starts the nightly job.
func (s *SchedulerService) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(s.cronExpr, false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			s.runPregeneration(ctx)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register pre-generation job: %w", err)
	}

	s.scheduler.Start()
	log.Printf("⏰ [SCHEDULER] Nightly pre-generation scheduled (%s)", s.cronExpr)
	return nil
}

// Stop shuts the scheduler down.
func (s *SchedulerService) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [SCHEDULER] Shutdown error: %v", err)
	}
}

// runPregeneration enqueues tomorrow's draft for each recently active user.
// Per-user failures are logged and skipped; one user never blocks the rest.
func (s *SchedulerService) runPregeneration(ctx context.Context) {
	users, err := s.users.ListActiveSince(ctx, time.Now().Add(-pregenActiveWindow))
	if err != nil {
		log.Printf("⚠️ [SCHEDULER] Could not list active users: %v", err)
		return
	}

	log.Printf("⏰ [SCHEDULER] Pre-generating drafts for %d active users", len(users))

	enqueued := 0
	for _, user := range users {
		date := tomorrowFor(user.Timezone)

		// Skip users whose draft already exists.
		entry, err := s.entries.Get(ctx, user.UserID, date)
		if err == nil && entry.GenerationStatus == models.GenerationStatusCompleted {
			continue
		}
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			log.Printf("⚠️ [SCHEDULER] Could not check entry for user %s: %v", user.UserID, err)
			continue
		}

		if err := s.queue.Enqueue(ctx, models.GenerationQueueMessage{
			Kind:     models.QueueKindFutureDraftGenerate,
			UserID:   user.UserID,
			Date:     date,
			Timezone: user.Timezone,
		}); err != nil {
			log.Printf("⚠️ [SCHEDULER] Failed to enqueue draft for user %s: %v", user.UserID, err)
			continue
		}
		enqueued++
	}

	log.Printf("✅ [SCHEDULER] Pre-generation pass done (%d jobs enqueued)", enqueued)
}

// tomorrowFor resolves tomorrow's date in the user's timezone, falling back
// to UTC for missing or unknown zones.
func tomorrowFor(timezone string) string {
	loc := time.UTC
	if timezone != "" {
		if parsed, err := time.LoadLocation(timezone); err == nil {
			loc = parsed
		}
	}
	return time.Now().In(loc).AddDate(0, 0, 1).Format("2006-01-02")
}
