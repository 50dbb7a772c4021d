// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the birthday-message ledger: it owns the
// uniqueness and state-transition guarantees the scheduler depends on.
//
// Invariants enforced here:
//   - Exactly one row per (user_id, scheduled_date): FindOrCreateMessage is
//     an atomic insert-or-reuse (ON CONFLICT DO NOTHING + fetch), so two
//     concurrent scans racing on the same pair converge on one row.
//   - "sent" and "invalidated" are terminal: every Mark* update is
//     conditioned on the current status being non-terminal, so a late or
//     concurrent writer can never regress a finished message.
//   - retry_count is incremented in SQL (retry_count = retry_count + 1),
//     never read-modify-written, so concurrent dispatch and retry passes
//     cannot lose increments.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-birthday-backend/internal/domain"
)

// FindOrCreateMessage returns the message row for (userID, scheduledDate),
// creating a pending row with the given snapshot if none exists. The boolean
// reports whether a new row was created. An existing row is returned
// untouched; in particular its snapshot is never refreshed.
func FindOrCreateMessage(ctx context.Context, db *gorm.DB, userID, scheduledDate string, snap domain.UserSnapshot) (*domain.BirthdayMessage, bool, error) {
	m := &domain.BirthdayMessage{
		ID:            uuid.NewString(),
		UserID:        userID,
		ScheduledDate: scheduledDate,
		Status:        domain.StatusPending,
		Snapshot:      snap,
		CreatedAt:     time.Now().UTC(),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "scheduled_date"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return m, true, nil
	}
	// Lost the race (or the row predates this scan): reuse the existing row.
	var existing domain.BirthdayMessage
	err := db.WithContext(ctx).
		Where("user_id = ? AND scheduled_date = ?", userID, scheduledDate).
		First(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// GetMessage fetches a message by ID, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.BirthdayMessage, error) {
	var m domain.BirthdayMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindPendingMessages returns all pending messages scheduled for the given
// date, in ledger order (CreatedAt ASC, ID ASC).
func FindPendingMessages(ctx context.Context, db *gorm.DB, scheduledDate string) ([]domain.BirthdayMessage, error) {
	var out []domain.BirthdayMessage
	err := db.WithContext(ctx).
		Where("scheduled_date = ? AND status = ?", scheduledDate, domain.StatusPending).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindFailedMessages returns failed messages scheduled for the given date
// whose retry counter is still below maxRetries. Messages at or above the
// bound are dead-lettered: visible via status+counter, never selected here.
func FindFailedMessages(ctx context.Context, db *gorm.DB, scheduledDate string, maxRetries int) ([]domain.BirthdayMessage, error) {
	var out []domain.BirthdayMessage
	err := db.WithContext(ctx).
		Where("scheduled_date = ? AND status = ? AND retry_count < ?",
			scheduledDate, domain.StatusFailed, maxRetries).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindPendingInRange returns pending messages with scheduled dates in
// [startDate, endDate] inclusive. Dates use domain.DateLayout, so string
// comparison is chronological. Used by the recovery sweep.
func FindPendingInRange(ctx context.Context, db *gorm.DB, startDate, endDate string) ([]domain.BirthdayMessage, error) {
	var out []domain.BirthdayMessage
	err := db.WithContext(ctx).
		Where("scheduled_date >= ? AND scheduled_date <= ? AND status = ?",
			startDate, endDate, domain.StatusPending).
		Order("scheduled_date ASC, created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MarkSent transitions a message to "sent" with the transport-reported
// delivery time. The update is a no-op when the message already reached a
// terminal status.
func MarkSent(ctx context.Context, db *gorm.DB, id string, sentAt time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.BirthdayMessage{}).
		Where("id = ? AND status IN ?", id, []string{domain.StatusPending, domain.StatusFailed}).
		Updates(map[string]any{
			"status":  domain.StatusSent,
			"sent_at": sentAt,
		}).Error
}

// MarkFailed transitions a message to "failed", records the error text, and
// increments the retry counter atomically in SQL. Terminal rows are left
// untouched.
func MarkFailed(ctx context.Context, db *gorm.DB, id, errMsg string) error {
	return db.WithContext(ctx).
		Model(&domain.BirthdayMessage{}).
		Where("id = ? AND status IN ?", id, []string{domain.StatusPending, domain.StatusFailed}).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		}).Error
}

// InvalidationReason is recorded on messages whose snapshot no longer
// matches the live user.
const InvalidationReason = "user data changed since scheduling"

// MarkInvalidated transitions a message to the terminal "invalidated"
// status. Terminal rows are left untouched.
func MarkInvalidated(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.BirthdayMessage{}).
		Where("id = ? AND status IN ?", id, []string{domain.StatusPending, domain.StatusFailed}).
		Updates(map[string]any{
			"status":        domain.StatusInvalidated,
			"error_message": InvalidationReason,
		}).Error
}
