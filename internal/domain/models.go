// Package domain defines the persistence models for users and their
// scheduled birthday messages. These types are mapped with GORM and form
// the core data layer of the birthday notification application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// DateLayout is the canonical format for calendar-date columns
// (birthday and scheduled_date). Dates are stored without a time
// component so lexicographic comparison matches chronological order.
const DateLayout = "2006-01-02"

// Message statuses. Transitions form a DAG: pending → sent|failed|invalidated,
// failed → sent|failed|invalidated. "sent" and "invalidated" are terminal.
const (
	StatusPending     = "pending"
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusInvalidated = "invalidated"
)

// User represents a person who should receive a birthday greeting. The
// scheduler treats this record as read-only source of truth; it is mutated
// only through the user API.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - FirstName / LastName: used to compose the greeting.
//   - Email: delivery address; unique across all users.
//   - Birthday: calendar date of birth in DateLayout form; only month and
//     day matter for recurrence, the year is ignored.
//   - Location: optional free-text location, informational only.
//   - Timezone: IANA timezone identifier (e.g. "Asia/Jakarta") used to
//     decide when "today" is the user's birthday and when 9am local occurs.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type User struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	FirstName string         `json:"first_name" gorm:"type:varchar(100);not null"`
	LastName  string         `json:"last_name"  gorm:"type:varchar(100);not null"`
	Email     string         `json:"email"      gorm:"type:varchar(255);not null;uniqueIndex:ux_users_email"`
	Birthday  string         `json:"birthday"   gorm:"type:date;not null"`
	Location  string         `json:"location,omitempty" gorm:"type:varchar(255)"`
	Timezone  string         `json:"timezone"   gorm:"type:varchar(64);not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// FullName composes the greeting name from first and last name.
func (u User) FullName() string { return u.FirstName + " " + u.LastName }

// UserSnapshot is the immutable copy of a user's notification-relevant
// fields taken at the moment a message is scheduled. It is compared against
// the live user at dispatch time to detect drift; it is never overwritten
// once written.
type UserSnapshot struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Birthday  string `json:"birthday"`
	Timezone  string `json:"timezone"`
}

// SnapshotOf captures the notification-relevant fields of a user.
func SnapshotOf(u *User) UserSnapshot {
	return UserSnapshot{
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Birthday:  u.Birthday,
		Timezone:  u.Timezone,
	}
}

// Matches reports whether the live user still carries the same
// notification-relevant data as the snapshot. A mismatch means the
// scheduled message content is stale and must be invalidated.
func (s UserSnapshot) Matches(u *User) bool {
	return s.FirstName == u.FirstName &&
		s.LastName == u.LastName &&
		s.Email == u.Email &&
		s.Birthday == u.Birthday &&
		s.Timezone == u.Timezone
}

// BirthdayMessage represents one user's birthday notification for one
// specific scheduled calendar date. At most one row exists per
// (user_id, scheduled_date) pair, enforced by a unique index; scheduling is
// always find-or-create, never a blind insert.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: foreign key to the recipient (part of the uniqueness key).
//   - ScheduledDate: the user's local calendar date the birthday falls on,
//     in DateLayout form. Computed in the user's timezone at scheduling time.
//   - Status: pending | sent | failed | invalidated (DB check constraint).
//   - SentAt: transport-reported delivery time; set only on success.
//   - ErrorMessage: last transport error or invalidation reason.
//   - RetryCount: number of failed send attempts; incremented atomically,
//     never decremented.
//   - Snapshot: immutable user data captured at scheduling time (JSON).
type BirthdayMessage struct {
	ID            string         `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID        string         `json:"user_id"        gorm:"type:char(36);not null;uniqueIndex:ux_messages_user_date,priority:1"`
	ScheduledDate string         `json:"scheduled_date" gorm:"type:date;not null;uniqueIndex:ux_messages_user_date,priority:2;index:idx_messages_date_status,priority:1"`
	Status        string         `json:"status"         gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','sent','failed','invalidated');index:idx_messages_date_status,priority:2"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty" gorm:"type:text"`
	RetryCount    int            `json:"retry_count"    gorm:"not null;default:0"`
	Snapshot      UserSnapshot   `json:"snapshot"       gorm:"type:text;not null;serializer:json"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-"              gorm:"index"`

	// User is the live recipient. Messages are cascade-deleted if the
	// user row is removed.
	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for BirthdayMessage.
func (BirthdayMessage) TableName() string { return "birthday_messages" }

// Terminal reports whether the message status admits no further transitions.
func (m BirthdayMessage) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusInvalidated
}
