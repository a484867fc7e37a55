package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	accountrepo "github.com/smallbiznis/entitle/internal/account/repository"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	auditrepo "github.com/smallbiznis/entitle/internal/audit/repository"
	auditservice "github.com/smallbiznis/entitle/internal/audit/service"
	"github.com/smallbiznis/entitle/internal/events"
	"github.com/smallbiznis/entitle/internal/reconcile/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestApplyGrantsEntitlement(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{})
	account := insertAccount(t, db, repo)

	entitled := true
	subID := "sub_grant"
	eventID := "evt_grant_1"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:              account.ID,
		Type:                   auditdomain.EventSubscriptionCreated,
		Origin:                 auditdomain.OriginWebhook,
		Entitled:               &entitled,
		ExternalSubscriptionID: &subID,
		OccurredAt:             &at,
		SourceEventID:          &eventID,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", result.Outcome)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}

	fresh, err := repo.Find(context.Background(), db, account.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !fresh.Entitled {
		t.Fatal("expected entitled")
	}
	if fresh.Version != 2 {
		t.Fatalf("version = %d, want 2", fresh.Version)
	}
	if fresh.LastEventAppliedAt == nil || !fresh.LastEventAppliedAt.Equal(at) {
		t.Fatalf("last_event_applied_at = %v, want %v", fresh.LastEventAppliedAt, at)
	}

	if got := countAuditEntries(t, db, account.ID); got != 1 {
		t.Fatalf("audit entries = %d, want 1", got)
	}
	if got := countOutboxEvents(t, db, account.ID); got != 1 {
		t.Fatalf("outbox events = %d, want 1", got)
	}
}

func TestStaleEventSkippedWithoutAudit(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{})
	account := insertAccount(t, db, repo)

	t2 := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	t1 := t2.Add(-time.Minute)
	entitled := true
	applyEvent(t, svc, account.ID, auditdomain.EventSubscriptionCreated, &entitled, &t2)

	// The earlier event arrives late. Content is ignored entirely.
	revoked := false
	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  account.ID,
		Type:       auditdomain.EventSubscriptionUpdated,
		Origin:     auditdomain.OriginWebhook,
		Entitled:   &revoked,
		OccurredAt: &t1,
	})
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if result.Outcome != domain.OutcomeSkippedStale {
		t.Fatalf("outcome = %s, want skipped_stale", result.Outcome)
	}

	fresh, err := repo.Find(context.Background(), db, account.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !fresh.Entitled {
		t.Fatal("stale event must not revoke entitlement")
	}
	if fresh.Version != 2 {
		t.Fatalf("version = %d, want 2 (no write on skip)", fresh.Version)
	}
	if got := countAuditEntries(t, db, account.ID); got != 1 {
		t.Fatalf("audit entries = %d, want 1 (no entry on skip)", got)
	}
}

func TestRedeliveryAtSameTimestampSkipped(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{})
	account := insertAccount(t, db, repo)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entitled := true
	applyEvent(t, svc, account.ID, auditdomain.EventSubscriptionCreated, &entitled, &at)

	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  account.ID,
		Type:       auditdomain.EventSubscriptionCreated,
		Origin:     auditdomain.OriginWebhook,
		Entitled:   &entitled,
		OccurredAt: &at,
	})
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if result.Outcome != domain.OutcomeSkippedStale {
		t.Fatalf("outcome = %s, want skipped_stale", result.Outcome)
	}
	if got := countAuditEntries(t, db, account.ID); got != 1 {
		t.Fatalf("audit entries = %d, want 1", got)
	}
}

func TestManualEventBypassesOrderingAndStampsWatermark(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, clk := newTestService(t, db, repo, Config{})
	account := insertAccount(t, db, repo)

	webhookAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entitled := true
	applyEvent(t, svc, account.ID, auditdomain.EventSubscriptionCreated, &entitled, &webhookAt)

	fixAt := webhookAt.Add(time.Hour)
	clk.Set(fixAt)
	revoked := false
	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID: account.ID,
		Type:      auditdomain.EventReconciliationFix,
		Origin:    auditdomain.OriginManual,
		Entitled:  &revoked,
	})
	if err != nil {
		t.Fatalf("manual fix: %v", err)
	}
	if result.Outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", result.Outcome)
	}

	fresh, err := repo.Find(context.Background(), db, account.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fresh.Entitled {
		t.Fatal("manual fix must win over prior state")
	}
	if fresh.LastEventAppliedAt == nil || !fresh.LastEventAppliedAt.Equal(fixAt) {
		t.Fatalf("last_event_applied_at = %v, want fix time %v", fresh.LastEventAppliedAt, fixAt)
	}

	// A provider replay from before the fix must now be stale.
	replayAt := webhookAt.Add(time.Minute)
	replay, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  account.ID,
		Type:       auditdomain.EventSubscriptionUpdated,
		Origin:     auditdomain.OriginWebhook,
		Entitled:   &entitled,
		OccurredAt: &replayAt,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Outcome != domain.OutcomeSkippedStale {
		t.Fatalf("replay outcome = %s, want skipped_stale", replay.Outcome)
	}
}

func TestJournalOnlyEventKeepsEntitlement(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{})
	account := insertAccount(t, db, repo)

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	entitled := true
	applyEvent(t, svc, account.ID, auditdomain.EventSubscriptionCreated, &entitled, &t1)

	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  account.ID,
		Type:       auditdomain.EventPaymentFailed,
		Origin:     auditdomain.OriginWebhook,
		OccurredAt: &t2,
	})
	if err != nil {
		t.Fatalf("payment failed event: %v", err)
	}
	if result.Outcome != domain.OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", result.Outcome)
	}

	fresh, err := repo.Find(context.Background(), db, account.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !fresh.Entitled {
		t.Fatal("journal-only event must not revoke entitlement")
	}
	if got := countAuditEntries(t, db, account.ID); got != 2 {
		t.Fatalf("audit entries = %d, want 2", got)
	}
}

// contendedRepo simulates a writer that always loses the version race.
type contendedRepo struct {
	accountdomain.Repository
	finds int
}

func (r *contendedRepo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	r.finds++
	return r.Repository.Find(ctx, db, id)
}

func (r *contendedRepo) CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, mutation accountdomain.Mutation) error {
	return accountdomain.ErrVersionMismatch
}

func TestExhaustedAfterBoundedRetries(t *testing.T) {
	db := setupReconcileTestDB(t)
	realRepo := accountrepo.Provide()
	account := insertAccount(t, db, realRepo)

	repo := &contendedRepo{Repository: realRepo}
	svc, _ := newTestService(t, db, repo, Config{MaxAttempts: 4})

	entitled := true
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  account.ID,
		Type:       auditdomain.EventSubscriptionCreated,
		Origin:     auditdomain.OriginWebhook,
		Entitled:   &entitled,
		OccurredAt: &at,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != domain.OutcomeExhausted {
		t.Fatalf("outcome = %s, want exhausted", result.Outcome)
	}
	if result.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", result.Attempts)
	}
	if result.Account != nil {
		t.Fatal("exhausted result must not carry account state")
	}
	if repo.finds != 4 {
		t.Fatalf("store reads = %d, want one per attempt", repo.finds)
	}
	if got := countAuditEntries(t, db, account.ID); got != 0 {
		t.Fatalf("audit entries = %d, want 0 on exhaustion", got)
	}
}

func TestConcurrentManualEventsAllApply(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{MaxAttempts: 25})
	account := insertAccount(t, db, repo)

	const writers = 6
	entitled := true
	var wg sync.WaitGroup
	outcomes := make([]domain.Outcome, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
				AccountID: account.ID,
				Type:      auditdomain.EventReconciliationFix,
				Origin:    auditdomain.OriginManual,
				Entitled:  &entitled,
			})
			errs[i] = err
			if err == nil {
				outcomes[i] = result.Outcome
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		if errs[i] != nil {
			t.Fatalf("writer %d: %v", i, errs[i])
		}
		if outcomes[i] != domain.OutcomeApplied {
			t.Fatalf("writer %d outcome = %s, want applied", i, outcomes[i])
		}
	}

	fresh, err := repo.Find(context.Background(), db, account.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fresh.Version != 1+writers {
		t.Fatalf("version = %d, want %d (one increment per accepted write)", fresh.Version, 1+writers)
	}
	if got := countAuditEntries(t, db, account.ID); got != writers {
		t.Fatalf("audit entries = %d, want %d", got, writers)
	}
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	db := setupReconcileTestDB(t)
	repo := accountrepo.Provide()
	svc, _ := newTestService(t, db, repo, Config{})

	cases := []struct {
		name  string
		event domain.Event
		want  error
	}{
		{"missing account", domain.Event{Type: "x", Origin: auditdomain.OriginWebhook}, domain.ErrInvalidAccountID},
		{"missing type", domain.Event{AccountID: 1, Origin: auditdomain.OriginWebhook}, domain.ErrInvalidEventType},
		{"bad origin", domain.Event{AccountID: 1, Type: "x", Origin: "cron"}, domain.ErrInvalidOrigin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ApplyBillingEvent(context.Background(), tc.event); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func newTestService(t *testing.T, db *gorm.DB, repo accountdomain.Repository, cfg Config) (domain.Service, *testClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &testClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		AccountRepo: repo,
		AuditSvc:    auditSvc,
		Outbox:      events.NewOutbox(db, node),
		Config:      cfg,
	})
	return svc, clk
}

func applyEvent(t *testing.T, svc domain.Service, accountID snowflake.ID, eventType string, entitled *bool, at *time.Time) {
	t.Helper()
	result, err := svc.ApplyBillingEvent(context.Background(), domain.Event{
		AccountID:  accountID,
		Type:       eventType,
		Origin:     auditdomain.OriginWebhook,
		Entitled:   entitled,
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("apply %s: %v", eventType, err)
	}
	if result.Outcome != domain.OutcomeApplied {
		t.Fatalf("apply %s outcome = %s, want applied", eventType, result.Outcome)
	}
}

func insertAccount(t *testing.T, db *gorm.DB, repo accountdomain.Repository) *accountdomain.Account {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	account := &accountdomain.Account{ID: node.Generate(), Email: "billing@example.com"}
	if err := repo.Create(context.Background(), db, account); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return account
}

func countAuditEntries(t *testing.T, db *gorm.DB, accountID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&auditdomain.Entry{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count audit entries: %v", err)
	}
	return count
}

func countOutboxEvents(t *testing.T, db *gorm.DB, accountID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM billing_events WHERE account_id = ?", accountID).Scan(&count).Error; err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	return count
}

func setupReconcileTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection serializes writers; the version check still decides
	// winners, sqlite just never sees two open write transactions.
	sqlDB.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL,
			external_customer_id TEXT,
			external_subscription_id TEXT,
			entitled BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 1,
			last_event_applied_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			origin TEXT NOT NULL,
			source_event_id TEXT,
			actor_type TEXT,
			actor_id TEXT,
			previous_state TEXT NOT NULL DEFAULT '{}',
			new_state TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id BIGINT PRIMARY KEY,
			account_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			dedupe_key TEXT,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_events_dedupe_key ON billing_events (dedupe_key)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}
