// Package memory is a test double for the Postgres repositories. It keeps every
// table in process with row locks, unique constraints and rollback. Only tests
// import it; production wiring in cmd/ always uses the pgx repositories.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/credits/internal/models"
)

var errUnsupported = errors.New("memory: raw SQL is not supported")

// Store holds every table. Writes are visible immediately and undone on rollback.
type Store struct {
	mu    sync.Mutex
	locks map[string]chan struct{}

	workspaces    map[uuid.UUID]*models.Workspace
	ledger        []*models.LedgerEntry
	ledgerRefs    map[string]*models.LedgerEntry
	subscriptions map[uuid.UUID]*models.Subscription
	affiliates    map[uuid.UUID]*models.Affiliate
	referrals     map[uuid.UUID]*models.Referral
	commissions   []*models.Commission
	reversals     []*models.CommissionReversal
	clawbacks     []*models.Clawback
	payouts       map[uuid.UUID]*models.PayoutRequest
	payoutOrder   []uuid.UUID
	events        map[string]*models.PaymentEvent

	// refund reconciliations by refund id, payment links by payment id
	reconciliations map[string]*models.RefundReconciliation
	paymentLinks    map[string]*models.PaymentLink

	// BeginErr, when set, is returned by Begin.
	BeginErr error
}

func NewStore() *Store {
	return &Store{
		locks:         make(map[string]chan struct{}),
		workspaces:    make(map[uuid.UUID]*models.Workspace),
		ledgerRefs:    make(map[string]*models.LedgerEntry),
		subscriptions: make(map[uuid.UUID]*models.Subscription),
		affiliates:    make(map[uuid.UUID]*models.Affiliate),
		referrals:     make(map[uuid.UUID]*models.Referral),
		payouts:       make(map[uuid.UUID]*models.PayoutRequest),
		events:        make(map[string]*models.PaymentEvent),

		reconciliations: make(map[string]*models.RefundReconciliation),
		paymentLinks:    make(map[string]*models.PaymentLink),
	}
}

// Begin starts a transaction.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	return &Tx{store: s, held: make(map[string]bool)}, nil
}

// lock blocks until tx holds the row lock for key or ctx is done.
func (s *Store) lock(ctx context.Context, tx pgx.Tx, key string) error {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		return nil
	}
	t.mu.Lock()
	if t.held[key] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	t.held[key] = true
	t.mu.Unlock()
	return nil
}

func (s *Store) unlock(key string) {
	s.mu.Lock()
	ch := s.locks[key]
	s.mu.Unlock()
	<-ch
}

// onRollback registers undo with tx. Writes outside a transaction are final.
func onRollback(tx pgx.Tx, undo func()) {
	if t, ok := tx.(*Tx); ok && t != nil {
		t.mu.Lock()
		t.undo = append(t.undo, undo)
		t.mu.Unlock()
	}
}

// Tx implements pgx.Tx on top of a Store. Only Commit and Rollback are meaningful.
type Tx struct {
	store *Store
	mu    sync.Mutex
	held  map[string]bool
	undo  []func()
	done  bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) finish(rollback bool) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.done = true
	undo := t.undo
	held := t.held
	t.undo, t.held = nil, nil
	t.mu.Unlock()

	if rollback {
		t.store.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		t.store.mu.Unlock()
	}
	for key := range held {
		t.store.unlock(key)
	}
	return nil
}

func (t *Tx) Commit(context.Context) error   { return t.finish(false) }
func (t *Tx) Rollback(context.Context) error { return t.finish(true) }

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errUnsupported }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errUnsupported
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errUnsupported
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errUnsupported
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errUnsupported }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }
func (t *Tx) Conn() *pgx.Conn                                          { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errUnsupported }
