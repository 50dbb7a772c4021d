// Package services – SchedulerService
//
// This file implements the birthday scheduling engine: the state machine
// that detects birthdays per timezone, idempotently creates message rows,
// gates dispatch on the recipient's local morning, classifies delivery
// failures with a bounded retry budget, invalidates stale messages, and
// sweeps missed windows after downtime.
//
// The four operations (ScheduleAll, ProcessPending, RetryFailed,
// RecoverUnsent) are each safe to re-invoke and safe to overlap: all
// cross-invocation safety rests on the ledger's uniqueness constraint,
// atomic find-or-create, terminal-status guards, and SQL-side retry
// counter increments (see internal/repo/message_repo.go). Per-entity
// failures are logged and never abort the rest of a batch; only aggregate
// failures (the ledger or directory being unavailable) propagate to the
// caller, which is the trigger driver.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-birthday-backend/internal/domain"
	"github.com/tbourn/go-birthday-backend/internal/email"
	"github.com/tbourn/go-birthday-backend/internal/repo"
	"github.com/tbourn/go-birthday-backend/internal/timeutil"
)

// Scheduling policy defaults.
const (
	// DefaultSendHour is the local hour-of-day before which no birthday
	// message is dispatched.
	DefaultSendHour = 9
	// DefaultMaxRetries bounds automatic retries per message; beyond it a
	// failed message is dead-lettered.
	DefaultMaxRetries = 3
	// DefaultRecoveryDays is the lookback span of the recovery sweep.
	DefaultRecoveryDays = 7
)

// ScheduleResult summarizes one scan-and-schedule run.
type ScheduleResult struct {
	// Scheduled counts newly created message rows.
	Scheduled int `json:"scheduled"`
	// Skipped counts users whose row for today already existed.
	Skipped int `json:"skipped"`
	// Errors counts users that could not be evaluated (bad timezone data,
	// ledger write failure); the scan continued past them.
	Errors int `json:"errors"`
}

// DispatchResult summarizes one dispatch-style run (process, retry, recover).
type DispatchResult struct {
	// Sent counts successful deliveries.
	Sent int `json:"sent"`
	// Skipped counts messages left pending because the recipient's local
	// hour was still before the send threshold.
	Skipped int `json:"skipped"`
	// Invalidated counts messages terminally dropped due to snapshot drift.
	Invalidated int `json:"invalidated"`
	// Failed counts messages whose delivery attempt failed this run.
	Failed int `json:"failed"`
}

// SchedulerService orchestrates the user directory, the message ledger, and
// the notification transport. All fields are set once at construction; Now
// is injectable so tests control the clock.
type SchedulerService struct {
	// DB is the GORM handle shared with the repositories.
	DB *gorm.DB
	// Sender delivers messages; substitute a fake in tests.
	Sender email.Sender
	// Now returns the current instant; defaults to time.Now.
	Now func() time.Time
	// SendHour is the local-morning dispatch threshold (0..23).
	SendHour int
	// MaxRetries bounds automatic retries per message.
	MaxRetries int
}

// NewSchedulerService constructs a SchedulerService with default policy.
func NewSchedulerService(db *gorm.DB, sender email.Sender) *SchedulerService {
	return &SchedulerService{
		DB:         db,
		Sender:     sender,
		Now:        time.Now,
		SendHour:   DefaultSendHour,
		MaxRetries: DefaultMaxRetries,
	}
}

// now returns the injected clock, falling back to the wall clock.
func (s *SchedulerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// today is the engine's global calendar date used to select due rows. The
// scheduled date itself was already computed in the user's local timezone
// at creation time.
func (s *SchedulerService) today() string {
	return s.now().UTC().Format(domain.DateLayout)
}

// ScheduleAll iterates every user and, for each whose local civil date is
// their birthday, idempotently ensures exactly one message row exists for
// (user, today-in-user's-timezone). Existing rows, whatever their status,
// are left untouched, so re-runs within the same local day never duplicate
// or re-snapshot. Per-user failures are logged and do not abort the scan.
func (s *SchedulerService) ScheduleAll(ctx context.Context) (ScheduleResult, error) {
	var res ScheduleResult

	users, err := repo.ListUsers(ctx, s.DB)
	if err != nil {
		return res, fmt.Errorf("list users: %w", err)
	}

	now := s.now()
	for i := range users {
		u := &users[i]
		isBday, err := timeutil.IsBirthdayToday(u.Birthday, u.Timezone, now)
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("scan: cannot evaluate birthday")
			res.Errors++
			continue
		}
		if !isBday {
			continue
		}
		localDate, err := timeutil.LocalDate(u.Timezone, now)
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("scan: cannot resolve local date")
			res.Errors++
			continue
		}
		_, created, err := repo.FindOrCreateMessage(ctx, s.DB, u.ID, localDate, domain.SnapshotOf(u))
		if err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("scan: find-or-create failed")
			res.Errors++
			continue
		}
		if created {
			res.Scheduled++
			log.Info().Str("user_id", u.ID).Str("scheduled_date", localDate).Msg("scheduled birthday message")
		} else {
			res.Skipped++
		}
	}

	log.Info().
		Int("scheduled", res.Scheduled).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("birthday scan complete")
	return res, nil
}

// ProcessPending dispatches today's pending messages. A message is skipped
// (left pending, no state change) while the recipient's local hour, derived
// from the snapshot timezone, is before SendHour. Per-message failures do
// not abort the batch.
func (s *SchedulerService) ProcessPending(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	msgs, err := repo.FindPendingMessages(ctx, s.DB, s.today())
	if err != nil {
		return res, fmt.Errorf("find pending messages: %w", err)
	}

	now := s.now()
	for i := range msgs {
		m := &msgs[i]
		hour, err := timeutil.LocalHour(m.Snapshot.Timezone, now)
		if err != nil {
			// Bad snapshot timezone is a per-entity configuration error.
			log.Error().Err(err).Str("message_id", m.ID).Msg("process: cannot derive local hour")
			res.Failed++
			continue
		}
		if hour < s.SendHour {
			res.Skipped++
			continue
		}
		s.dispatchInto(ctx, m, &res)
	}

	log.Info().
		Int("sent", res.Sent).
		Int("skipped", res.Skipped).
		Int("invalidated", res.Invalidated).
		Int("failed", res.Failed).
		Msg("pending dispatch complete")
	return res, nil
}

// RetryFailed re-dispatches today's failed messages whose retry counter is
// still below MaxRetries. Messages at the bound stay dead-lettered: they
// remain "failed" and receive no further automatic attempts.
func (s *SchedulerService) RetryFailed(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	msgs, err := repo.FindFailedMessages(ctx, s.DB, s.today(), s.MaxRetries)
	if err != nil {
		return res, fmt.Errorf("find failed messages: %w", err)
	}

	for i := range msgs {
		s.dispatchInto(ctx, &msgs[i], &res)
	}

	log.Info().
		Int("sent", res.Sent).
		Int("invalidated", res.Invalidated).
		Int("failed", res.Failed).
		Msg("retry sweep complete")
	return res, nil
}

// RecoverUnsent sweeps pending messages scheduled within the last daysBack
// days (inclusive of today) and dispatches them regardless of local hour.
// This compensates for trigger downtime: rows that ProcessPending never saw
// are caught here. It does not re-run the scan; it only drains existing
// pending rows.
func (s *SchedulerService) RecoverUnsent(ctx context.Context, daysBack int) (DispatchResult, error) {
	var res DispatchResult
	if daysBack < 0 {
		daysBack = DefaultRecoveryDays
	}

	end := s.now().UTC()
	start := end.AddDate(0, 0, -daysBack)
	msgs, err := repo.FindPendingInRange(ctx, s.DB,
		start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	if err != nil {
		return res, fmt.Errorf("find pending in range: %w", err)
	}

	for i := range msgs {
		s.dispatchInto(ctx, &msgs[i], &res)
	}

	log.Info().
		Int("days_back", daysBack).
		Int("sent", res.Sent).
		Int("invalidated", res.Invalidated).
		Int("failed", res.Failed).
		Msg("recovery sweep complete")
	return res, nil
}

// dispatchInto runs the shared dispatch routine for one message and folds
// the outcome into res. Errors are logged here, at the entity boundary,
// and never propagate to the batch.
func (s *SchedulerService) dispatchInto(ctx context.Context, m *domain.BirthdayMessage, res *DispatchResult) {
	outcome, err := s.dispatch(ctx, m)
	switch {
	case err != nil:
		log.Error().Err(err).Str("message_id", m.ID).Str("user_id", m.UserID).Msg("dispatch failed")
		res.Failed++
	case outcome == domain.StatusInvalidated:
		log.Warn().Str("message_id", m.ID).Str("user_id", m.UserID).Msg("message invalidated: user data changed")
		res.Invalidated++
	default:
		res.Sent++
	}
}

// dispatch performs the shared send path for one message:
//
//  1. Load the live user.
//  2. Compare the snapshot against the live data; on any drift (or a
//     deleted user) transition to the terminal "invalidated" status and
//     stop; the row will never be sent. A fresh row for current data is
//     the next scan's job.
//  3. Deliver using the snapshot's name and email.
//  4. On success transition to "sent" with the transport's timestamp; on
//     failure transition to "failed", record the error text, bump the
//     retry counter, and return the error for batch accounting.
//
// It returns the resulting status ("sent" or "invalidated") on success.
func (s *SchedulerService) dispatch(ctx context.Context, m *domain.BirthdayMessage) (string, error) {
	live, err := repo.GetUser(ctx, s.DB, m.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Recipient deleted since scheduling: the snapshot is stale by
			// definition.
			if err := repo.MarkInvalidated(ctx, s.DB, m.ID); err != nil {
				return "", fmt.Errorf("invalidate message: %w", err)
			}
			return domain.StatusInvalidated, nil
		}
		return "", fmt.Errorf("load user: %w", err)
	}

	if !m.Snapshot.Matches(live) {
		if err := repo.MarkInvalidated(ctx, s.DB, m.ID); err != nil {
			return "", fmt.Errorf("invalidate message: %w", err)
		}
		return domain.StatusInvalidated, nil
	}

	body := fmt.Sprintf("Hey, %s %s it's your birthday!", m.Snapshot.FirstName, m.Snapshot.LastName)
	sentAt, err := s.Sender.Send(ctx, m.Snapshot.Email, body)
	if err != nil {
		if markErr := repo.MarkFailed(ctx, s.DB, m.ID, err.Error()); markErr != nil {
			return "", fmt.Errorf("mark failed (send error: %v): %w", err, markErr)
		}
		return "", err
	}

	if err := repo.MarkSent(ctx, s.DB, m.ID, sentAt); err != nil {
		return "", fmt.Errorf("mark sent: %w", err)
	}
	return domain.StatusSent, nil
}
