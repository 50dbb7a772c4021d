package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-birthday-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:        uuid.NewString(),
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     fmt.Sprintf("jane_%s@example.com", uuid.NewString()[:8]),
		Birthday:  "1990-03-05",
		Timezone:  "Asia/Jakarta",
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func snap(u *domain.User) domain.UserSnapshot { return domain.SnapshotOf(u) }

func TestFindOrCreateMessage_CreatesThenReuses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db)

	m1, created, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", snap(u))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !created {
		t.Fatalf("expected creation")
	}
	if m1.Status != domain.StatusPending || m1.RetryCount != 0 {
		t.Fatalf("fresh row: %+v", m1)
	}

	// Second call with a different snapshot must reuse the existing row
	// without touching it.
	drifted := snap(u)
	drifted.FirstName = "Janet"
	m2, created, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", drifted)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Fatalf("expected reuse, got creation")
	}
	if m2.ID != m1.ID {
		t.Fatalf("different row returned: %s vs %s", m2.ID, m1.ID)
	}
	if m2.Snapshot.FirstName != "Jane" {
		t.Fatalf("snapshot was re-written: %+v", m2.Snapshot)
	}

	// Different date is a different occurrence.
	m3, created, err := FindOrCreateMessage(ctx, db, u.ID, "2025-03-05", snap(u))
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if !created || m3.ID == m1.ID {
		t.Fatalf("expected new row for new date")
	}
}

func TestFindOrCreateMessage_ConcurrentCallersConverge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", snap(u))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("callers observed different rows: %s vs %s", ids[i], ids[0])
		}
	}
	var count int64
	db.Model(&domain.BirthdayMessage{}).Where("user_id = ?", u.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 row, got %d", count)
	}
}

func TestMarkFailed_IncrementsCounterInSQL(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db)

	m, _, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", snap(u))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := MarkFailed(ctx, db, m.ID, fmt.Sprintf("attempt %d timed out", i)); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
		got, err := GetMessage(ctx, db, m.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if got.RetryCount != i {
			t.Fatalf("retry_count = %d, want %d", got.RetryCount, i)
		}
		if got.Status != domain.StatusFailed {
			t.Fatalf("status = %s", got.Status)
		}
	}
	got, _ := GetMessage(ctx, db, m.ID)
	if got.ErrorMessage != "attempt 3 timed out" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}

func TestMark_TerminalStatusesAreImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db)
	sentAt := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	// sent is terminal.
	m, _, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", snap(u))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := MarkSent(ctx, db, m.ID, sentAt); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := MarkFailed(ctx, db, m.ID, "late failure"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := MarkInvalidated(ctx, db, m.ID); err != nil {
		t.Fatalf("MarkInvalidated: %v", err)
	}
	got, _ := GetMessage(ctx, db, m.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("sent row regressed to %s", got.Status)
	}
	if got.RetryCount != 0 || got.ErrorMessage != "" {
		t.Fatalf("sent row mutated: %+v", got)
	}

	// invalidated is terminal.
	m2, _, err := FindOrCreateMessage(ctx, db, u.ID, "2025-03-05", snap(u))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := MarkInvalidated(ctx, db, m2.ID); err != nil {
		t.Fatalf("MarkInvalidated: %v", err)
	}
	if err := MarkSent(ctx, db, m2.ID, sentAt); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, _ = GetMessage(ctx, db, m2.ID)
	if got.Status != domain.StatusInvalidated {
		t.Fatalf("invalidated row regressed to %s", got.Status)
	}
	if got.SentAt != nil {
		t.Fatalf("invalidated row acquired sent_at")
	}
}

func TestFailedToSentTransition(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db)

	m, _, err := FindOrCreateMessage(ctx, db, u.ID, "2024-03-05", snap(u))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := MarkFailed(ctx, db, m.ID, "unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	sentAt := time.Now().UTC()
	if err := MarkSent(ctx, db, m.ID, sentAt); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, _ := GetMessage(ctx, db, m.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.SentAt == nil {
		t.Fatalf("sent_at missing")
	}
	// Counter keeps the history of failed attempts.
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
}

func TestLedgerQueries_SelectByDateStatusAndBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	uA, uB, uC := seedUser(t, db), seedUser(t, db), seedUser(t, db)

	pending, _, _ := FindOrCreateMessage(ctx, db, uA.ID, "2024-03-05", snap(uA))
	failed, _, _ := FindOrCreateMessage(ctx, db, uB.ID, "2024-03-05", snap(uB))
	exhausted, _, _ := FindOrCreateMessage(ctx, db, uC.ID, "2024-03-05", snap(uC))
	old, _, _ := FindOrCreateMessage(ctx, db, uA.ID, "2024-03-01", snap(uA))

	MarkFailed(ctx, db, failed.ID, "x")
	for i := 0; i < 3; i++ {
		MarkFailed(ctx, db, exhausted.ID, "x")
	}

	got, err := FindPendingMessages(ctx, db, "2024-03-05")
	if err != nil {
		t.Fatalf("FindPendingMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("pending selection wrong: %d rows", len(got))
	}

	got, err = FindFailedMessages(ctx, db, "2024-03-05", 3)
	if err != nil {
		t.Fatalf("FindFailedMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != failed.ID {
		t.Fatalf("failed selection must exclude exhausted rows: %d rows", len(got))
	}

	got, err = FindPendingInRange(ctx, db, "2024-02-28", "2024-03-05")
	if err != nil {
		t.Fatalf("FindPendingInRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("range selection: %d rows, want 2", len(got))
	}
	if got[0].ID != old.ID {
		t.Fatalf("range must be ordered by scheduled_date ASC")
	}

	got, err = FindPendingInRange(ctx, db, "2024-03-02", "2024-03-04")
	if err != nil {
		t.Fatalf("FindPendingInRange: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("out-of-range rows selected: %d", len(got))
	}
}
