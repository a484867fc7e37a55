package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/config"
	reconciledomain "github.com/smallbiznis/entitle/internal/reconcile/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test_secret"

type fakeAccountRepo struct {
	mu         sync.Mutex
	byID       map[snowflake.ID]*accountdomain.Account
	byCustomer map[string]*accountdomain.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byID:       make(map[snowflake.ID]*accountdomain.Account),
		byCustomer: make(map[string]*accountdomain.Account),
	}
}

func (f *fakeAccountRepo) add(account *accountdomain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[account.ID] = account
	if account.ExternalCustomerID != nil {
		f.byCustomer[*account.ExternalCustomerID] = account
	}
}

func (f *fakeAccountRepo) Create(ctx context.Context, db *gorm.DB, account *accountdomain.Account) error {
	f.add(account)
	return nil
}

func (f *fakeAccountRepo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byID[id]
	if !ok {
		return nil, accountdomain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccountRepo) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, externalCustomerID string) (*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byCustomer[externalCustomerID]
	if !ok {
		return nil, accountdomain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccountRepo) CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, mutation accountdomain.Mutation) error {
	return nil
}

type fakeReconcileService struct {
	mu     sync.Mutex
	result *reconciledomain.Result
	err    error
	events []reconciledomain.Event
}

func (f *fakeReconcileService) ApplyBillingEvent(ctx context.Context, event reconciledomain.Event) (*reconciledomain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeReconcileService) lastEvent(t *testing.T) reconciledomain.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("no billing event was applied")
	}
	return f.events[len(f.events)-1]
}

type fakeIdentityService struct {
	customerID string
	err        error
}

func (f *fakeIdentityService) Resolve(ctx context.Context, accountID snowflake.ID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.customerID, nil
}

type fakeAuditService struct {
	entries []*auditdomain.Entry
}

func (f *fakeAuditService) Record(ctx context.Context, tx *gorm.DB, input auditdomain.RecordInput) error {
	return nil
}

func (f *fakeAuditService) List(ctx context.Context, filter auditdomain.ListFilter) ([]*auditdomain.Entry, error) {
	return f.entries, nil
}

type serverFixture struct {
	server    *Server
	engine    *gin.Engine
	accounts  *fakeAccountRepo
	reconcile *fakeReconcileService
	identity  *fakeIdentityService
	audit     *fakeAuditService
	node      *snowflake.Node
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	cfg := config.Config{
		StripeWebhookSecret: testWebhookSecret,
		EntitlementCacheTTL: time.Minute,
		WebhookRateLimit:    1000,
		WebhookRateWindow:   time.Minute,
		ServiceVersion:      "test",
	}
	accounts := newFakeAccountRepo()
	reconcile := &fakeReconcileService{}
	identity := &fakeIdentityService{customerID: "cus_resolved"}
	audit := &fakeAuditService{}

	srv := &Server{
		cfg:            cfg,
		log:            zap.NewNop(),
		genID:          node,
		accountRepo:    accounts,
		reconcileSvc:   reconcile,
		identitySvc:    identity,
		auditSvc:       audit,
		entitlements:   cache.NewTTLCache[snowflake.ID, entitlementView](),
		webhookLimiter: newRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateWindow),
	}

	engine := gin.New()
	RegisterRoutes(engine, srv)

	return &serverFixture{
		server:    srv,
		engine:    engine,
		accounts:  accounts,
		reconcile: reconcile,
		identity:  identity,
		audit:     audit,
		node:      node,
	}
}

func (f *serverFixture) newAccount(entitled bool, customerID string) *accountdomain.Account {
	account := &accountdomain.Account{
		ID:       f.node.Generate(),
		Email:    "fixture@example.com",
		Entitled: entitled,
		Version:  1,
	}
	if customerID != "" {
		account.ExternalCustomerID = &customerID
	}
	f.accounts.add(account)
	return account
}
