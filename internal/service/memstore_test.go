package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for Postgres. One mutex serialises
// transactions, which is stricter than row locks but gives the same
// isolation guarantees the services rely on. Rollback restores a snapshot.
type memStore struct {
	mu   sync.Mutex
	data *memData
}

type statusChange[S comparable] struct{ From, To S }

type memData struct {
	wallets       map[uuid.UUID]domain.Wallet
	entries       []domain.WalletTransaction
	txns          map[uuid.UUID]domain.Transaction
	txnHistory    map[uuid.UUID][]statusChange[domain.TransactionStatus]
	payouts       map[uuid.UUID]domain.Payout
	payoutHistory map[uuid.UUID][]statusChange[domain.PayoutStatus]
	accounts      map[uuid.UUID]domain.FreelancerAccount
	projects      map[uuid.UUID]domain.Project
	orders        map[string]domain.RazorpayOrder
	webhooks      map[uuid.UUID]domain.WebhookLog
	settings      map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		wallets:       map[uuid.UUID]domain.Wallet{},
		txns:          map[uuid.UUID]domain.Transaction{},
		txnHistory:    map[uuid.UUID][]statusChange[domain.TransactionStatus]{},
		payouts:       map[uuid.UUID]domain.Payout{},
		payoutHistory: map[uuid.UUID][]statusChange[domain.PayoutStatus]{},
		accounts:      map[uuid.UUID]domain.FreelancerAccount{},
		projects:      map[uuid.UUID]domain.Project{},
		orders:        map[string]domain.RazorpayOrder{},
		webhooks:      map[uuid.UUID]domain.WebhookLog{},
		settings:      map[string]string{},
	}}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneHistory[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

func (d *memData) clone() *memData {
	return &memData{
		wallets:       cloneMap(d.wallets),
		entries:       append([]domain.WalletTransaction(nil), d.entries...),
		txns:          cloneMap(d.txns),
		txnHistory:    cloneHistory(d.txnHistory),
		payouts:       cloneMap(d.payouts),
		payoutHistory: cloneHistory(d.payoutHistory),
		accounts:      cloneMap(d.accounts),
		projects:      cloneMap(d.projects),
		orders:        cloneMap(d.orders),
		webhooks:      cloneMap(d.webhooks),
		settings:      cloneMap(d.settings),
	}
}

// view runs fn under the store lock unless the caller already holds it through tx.
func (s *memStore) view(tx pgx.Tx, fn func(d *memData)) {
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn(s.data)
}

// snapshot returns a copy of the committed state for assertions.
func (s *memStore) snapshot() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

// ---- DBTransactor ----

type memTx struct {
	pgx.Tx
	store *memStore
	snap  *memData
	done  bool
}

func (s *memStore) Begin(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	return &memTx{store: s, snap: s.data.clone()}, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.data = t.snap
	t.store.mu.Unlock()
	return nil
}

// ---- WalletRepository ----

type memWallets struct{ *memStore }

func (r memWallets) GetOrCreate(_ context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	var out domain.Wallet
	r.view(nil, func(d *memData) {
		for _, w := range d.wallets {
			if w.UserID == userID {
				out = w
				return
			}
		}
		now := time.Now().UTC()
		out = domain.Wallet{
			ID: uuid.New(), UserID: userID, Balance: decimal.Zero, Currency: currency,
			Status: domain.WalletStatusActive, CreatedAt: now, UpdatedAt: now,
		}
		d.wallets[out.ID] = out
	})
	return &out, nil
}

func (r memWallets) find(tx pgx.Tx, match func(domain.Wallet) bool) *domain.Wallet {
	var out *domain.Wallet
	r.view(tx, func(d *memData) {
		for _, w := range d.wallets {
			if match(w) {
				w := w
				out = &w
				return
			}
		}
	})
	return out
}

func (r memWallets) GetByID(_ context.Context, id uuid.UUID) (*domain.Wallet, error) {
	return r.find(nil, func(w domain.Wallet) bool { return w.ID == id }), nil
}

func (r memWallets) GetByUserID(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return r.find(nil, func(w domain.Wallet) bool { return w.UserID == userID }), nil
}

func (r memWallets) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error) {
	return r.find(tx, func(w domain.Wallet) bool { return w.ID == id }), nil
}

func (r memWallets) GetByUserIDForUpdate(_ context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	return r.find(tx, func(w domain.Wallet) bool { return w.UserID == userID }), nil
}

func (r memWallets) UpdateBalance(_ context.Context, tx pgx.Tx, walletID uuid.UUID, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return &pgconn.PgError{Code: "23514", Message: "wallets_balance_check"}
	}
	var err error
	r.view(tx, func(d *memData) {
		w, ok := d.wallets[walletID]
		if !ok {
			err = fmt.Errorf("wallet %s missing", walletID)
			return
		}
		w.Balance = balance
		w.UpdatedAt = time.Now().UTC()
		d.wallets[walletID] = w
	})
	return err
}

func (r memWallets) CreateEntry(_ context.Context, tx pgx.Tx, entry *domain.WalletTransaction) error {
	r.view(tx, func(d *memData) { d.entries = append(d.entries, *entry) })
	return nil
}

func (r memWallets) walletEntries(d *memData, walletID uuid.UUID) []domain.WalletTransaction {
	var out []domain.WalletTransaction
	for _, e := range d.entries {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

func (r memWallets) ListEntries(_ context.Context, walletID uuid.UUID, page, pageSize int) ([]domain.WalletTransaction, int64, error) {
	var out []domain.WalletTransaction
	var total int64
	r.view(nil, func(d *memData) {
		all := r.walletEntries(d, walletID)
		total = int64(len(all))
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		start := (page - 1) * pageSize
		if start >= len(all) {
			return
		}
		end := start + pageSize
		if end > len(all) {
			end = len(all)
		}
		out = all[start:end]
	})
	return out, total, nil
}

func (r memWallets) SummarizeLedger(_ context.Context, walletID uuid.UUID) (*domain.LedgerAudit, error) {
	audit := &domain.LedgerAudit{TotalCredits: decimal.Zero, TotalDebits: decimal.Zero, LastBalanceAfter: decimal.Zero}
	r.view(nil, func(d *memData) {
		for _, e := range r.walletEntries(d, walletID) {
			if e.Type == domain.LedgerCredit {
				audit.TotalCredits = audit.TotalCredits.Add(e.Amount)
			} else {
				audit.TotalDebits = audit.TotalDebits.Add(e.Amount)
			}
			audit.LastBalanceAfter = e.BalanceAfter
			audit.Entries++
		}
	})
	return audit, nil
}

// ---- TransactionRepository ----

type memTxns struct{ *memStore }

func (r memTxns) Create(_ context.Context, tx pgx.Tx, t *domain.Transaction) error {
	var err error
	r.view(tx, func(d *memData) {
		for _, existing := range d.txns {
			if existing.ProjectID == t.ProjectID && existing.IsActive() {
				err = &pgconn.PgError{Code: "23505", ConstraintName: "uq_transactions_active_project"}
				return
			}
		}
		d.txns[t.ID] = *t
	})
	return err
}

func (r memTxns) get(tx pgx.Tx, match func(domain.Transaction) bool) *domain.Transaction {
	var out *domain.Transaction
	r.view(tx, func(d *memData) {
		for _, t := range d.txns {
			if match(t) {
				t := t
				out = &t
				return
			}
		}
	})
	return out
}

func (r memTxns) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.get(nil, func(t domain.Transaction) bool { return t.ID == id }), nil
}

func (r memTxns) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	return r.get(tx, func(t domain.Transaction) bool { return t.ID == id }), nil
}

func (r memTxns) GetByOrderIDForUpdate(_ context.Context, tx pgx.Tx, orderID string) (*domain.Transaction, error) {
	return r.get(tx, func(t domain.Transaction) bool {
		return t.RazorpayOrderID != nil && *t.RazorpayOrderID == orderID
	}), nil
}

func (r memTxns) HasActiveForProject(_ context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error) {
	return r.get(tx, func(t domain.Transaction) bool { return t.ProjectID == projectID && t.IsActive() }) != nil, nil
}

func (r memTxns) Transition(_ context.Context, tx pgx.Tx, tr ports.TransactionTransition) (bool, error) {
	moved := false
	r.view(tx, func(d *memData) {
		t, ok := d.txns[tr.ID]
		if !ok || !containsStatus(tr.From, t.Status) {
			return
		}
		d.txnHistory[t.ID] = append(d.txnHistory[t.ID], statusChange[domain.TransactionStatus]{t.Status, tr.To})
		t.Status = tr.To
		if tr.RazorpayPaymentID != nil {
			t.RazorpayPaymentID = tr.RazorpayPaymentID
		}
		if tr.HeldAt != nil {
			t.HeldAt = tr.HeldAt
		}
		if tr.ReleasedAt != nil {
			t.ReleasedAt = tr.ReleasedAt
		}
		if tr.ReleasedBy != nil {
			t.ReleasedBy = tr.ReleasedBy
		}
		if tr.PayoutID != nil {
			t.PayoutID = tr.PayoutID
		}
		if tr.PayoutStatus != nil {
			t.PayoutStatus = tr.PayoutStatus
		}
		if tr.PayoutUTR != nil {
			t.PayoutUTR = tr.PayoutUTR
		}
		if tr.FailureReason != nil {
			t.FailureReason = tr.FailureReason
		}
		t.UpdatedAt = time.Now().UTC()
		d.txns[t.ID] = t
		moved = true
	})
	return moved, nil
}

func (r memTxns) AttachPayout(_ context.Context, tx pgx.Tx, id, payoutID uuid.UUID) error {
	var err error
	r.view(tx, func(d *memData) {
		t, ok := d.txns[id]
		if !ok {
			err = fmt.Errorf("transaction not found: %s", id)
			return
		}
		queued := domain.PayoutStatusQueued
		t.PayoutID = &payoutID
		t.PayoutStatus = &queued
		t.PayoutUTR = nil
		d.txns[id] = t
	})
	return err
}

func (r memTxns) SetPayoutState(_ context.Context, tx pgx.Tx, id uuid.UUID, payoutID *uuid.UUID, status domain.PayoutStatus, utr *string) error {
	r.view(tx, func(d *memData) {
		t, ok := d.txns[id]
		if !ok {
			return
		}
		if payoutID != nil && t.PayoutID != nil && *t.PayoutID != *payoutID {
			return
		}
		if payoutID != nil {
			t.PayoutID = payoutID
		}
		t.PayoutStatus = &status
		if utr != nil {
			t.PayoutUTR = utr
		}
		d.txns[id] = t
	})
	return nil
}

func containsStatus[S comparable](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---- PayoutRepository ----

type memPayouts struct{ *memStore }

func (r memPayouts) Create(_ context.Context, tx pgx.Tx, p *domain.Payout) error {
	r.view(tx, func(d *memData) { d.payouts[p.ID] = *p })
	return nil
}

func (r memPayouts) get(tx pgx.Tx, match func(domain.Payout) bool) *domain.Payout {
	var out *domain.Payout
	r.view(tx, func(d *memData) {
		for _, p := range d.payouts {
			if match(p) {
				p := p
				out = &p
				return
			}
		}
	})
	return out
}

func (r memPayouts) GetByID(_ context.Context, id uuid.UUID) (*domain.Payout, error) {
	return r.get(nil, func(p domain.Payout) bool { return p.ID == id }), nil
}

func (r memPayouts) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	return r.get(tx, func(p domain.Payout) bool { return p.ID == id }), nil
}

func (r memPayouts) GetByRazorpayIDForUpdate(_ context.Context, tx pgx.Tx, id string) (*domain.Payout, error) {
	return r.get(tx, func(p domain.Payout) bool { return p.RazorpayPayoutID != nil && *p.RazorpayPayoutID == id }), nil
}

func (r memPayouts) GetByReferenceForUpdate(_ context.Context, tx pgx.Tx, ref string) (*domain.Payout, error) {
	return r.get(tx, func(p domain.Payout) bool { return p.ReferenceID == ref }), nil
}

func (r memPayouts) Transition(_ context.Context, tx pgx.Tx, tr ports.PayoutTransition) (bool, error) {
	moved := false
	r.view(tx, func(d *memData) {
		p, ok := d.payouts[tr.ID]
		if !ok || !containsStatus(tr.From, p.Status) {
			return
		}
		d.payoutHistory[p.ID] = append(d.payoutHistory[p.ID], statusChange[domain.PayoutStatus]{p.Status, tr.To})
		p.Status = tr.To
		if tr.RazorpayPayoutID != nil {
			p.RazorpayPayoutID = tr.RazorpayPayoutID
		}
		if tr.RazorpayFundAccountID != nil {
			p.RazorpayFundAccountID = tr.RazorpayFundAccountID
		}
		if tr.UTR != nil {
			p.UTR = tr.UTR
		}
		if tr.FailureReason != nil {
			p.FailureReason = tr.FailureReason
		}
		if tr.InitiatedAt != nil {
			p.InitiatedAt = tr.InitiatedAt
		}
		if tr.ProcessedAt != nil {
			p.ProcessedAt = tr.ProcessedAt
		}
		p.UpdatedAt = time.Now().UTC()
		d.payouts[p.ID] = p
		moved = true
	})
	return moved, nil
}

func (r memPayouts) ListStale(_ context.Context, statuses []domain.PayoutStatus, before time.Time, limit int) ([]domain.Payout, error) {
	var out []domain.Payout
	r.view(nil, func(d *memData) {
		for _, p := range d.payouts {
			if containsStatus(statuses, p.Status) && p.UpdatedAt.Before(before) && len(out) < limit {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

// ---- FreelancerAccountRepository ----

type memAccounts struct{ *memStore }

func (r memAccounts) GetByID(_ context.Context, id uuid.UUID) (*domain.FreelancerAccount, error) {
	var out *domain.FreelancerAccount
	r.view(nil, func(d *memData) {
		if a, ok := d.accounts[id]; ok {
			out = &a
		}
	})
	return out, nil
}

func (r memAccounts) GetActiveByFreelancerID(_ context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*domain.FreelancerAccount, error) {
	var out *domain.FreelancerAccount
	r.view(tx, func(d *memData) {
		for _, a := range d.accounts {
			if a.FreelancerID == freelancerID && a.IsActive {
				a := a
				out = &a
				return
			}
		}
	})
	return out, nil
}

func (r memAccounts) SaveGatewayIDs(_ context.Context, id uuid.UUID, contactID, fundAccountID string) error {
	r.view(nil, func(d *memData) {
		a := d.accounts[id]
		a.RazorpayContactID = &contactID
		a.RazorpayFundAccountID = &fundAccountID
		d.accounts[id] = a
	})
	return nil
}

// ---- ProjectRepository ----

type memProjects struct{ *memStore }

func (r memProjects) GetByID(_ context.Context, id uuid.UUID) (*domain.Project, error) {
	return r.GetByIDForUpdate(context.Background(), nil, id)
}

func (r memProjects) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Project, error) {
	var out *domain.Project
	r.view(tx, func(d *memData) {
		if p, ok := d.projects[id]; ok {
			out = &p
		}
	})
	return out, nil
}

// ---- OrderRepository ----

type memOrders struct{ *memStore }

func (r memOrders) Create(_ context.Context, tx pgx.Tx, o *domain.RazorpayOrder) error {
	r.view(tx, func(d *memData) { d.orders[o.RazorpayOrderID] = *o })
	return nil
}

func (r memOrders) GetByRazorpayOrderID(ctx context.Context, id string) (*domain.RazorpayOrder, error) {
	return r.GetByRazorpayOrderIDForUpdate(ctx, nil, id)
}

func (r memOrders) GetByRazorpayOrderIDForUpdate(_ context.Context, tx pgx.Tx, id string) (*domain.RazorpayOrder, error) {
	var out *domain.RazorpayOrder
	r.view(tx, func(d *memData) {
		if o, ok := d.orders[id]; ok {
			out = &o
		}
	})
	return out, nil
}

func (r memOrders) move(tx pgx.Tx, id, paymentID string, to domain.OrderStatus, from ...domain.OrderStatus) bool {
	moved := false
	r.view(tx, func(d *memData) {
		o, ok := d.orders[id]
		if !ok || !containsStatus(from, o.Status) {
			return
		}
		o.Status = to
		o.RazorpayPaymentID = &paymentID
		d.orders[id] = o
		moved = true
	})
	return moved
}

func (r memOrders) MarkPaid(_ context.Context, tx pgx.Tx, id, paymentID string) (bool, error) {
	return r.move(tx, id, paymentID, domain.OrderStatusPaid, domain.OrderStatusCreated, domain.OrderStatusFailed), nil
}

func (r memOrders) MarkFailed(_ context.Context, tx pgx.Tx, id, paymentID string) (bool, error) {
	return r.move(tx, id, paymentID, domain.OrderStatusFailed, domain.OrderStatusCreated), nil
}

// ---- WebhookRepository / SettingsRepository ----

type memWebhooks struct{ *memStore }

func (r memWebhooks) Create(_ context.Context, l *domain.WebhookLog) error {
	r.view(nil, func(d *memData) { d.webhooks[l.ID] = *l })
	return nil
}

func (r memWebhooks) MarkProcessed(_ context.Context, id uuid.UUID) error {
	r.view(nil, func(d *memData) {
		l := d.webhooks[id]
		now := time.Now().UTC()
		l.Processed = true
		l.ProcessedAt = &now
		d.webhooks[id] = l
	})
	return nil
}

func (r memWebhooks) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	r.view(nil, func(d *memData) {
		l := d.webhooks[id]
		l.ErrorMessage = &msg
		d.webhooks[id] = l
	})
	return nil
}

type memSettings struct{ *memStore }

func (r memSettings) Get(_ context.Context, key string) (*string, error) {
	var out *string
	r.view(nil, func(d *memData) {
		if v, ok := d.settings[key]; ok {
			out = &v
		}
	})
	return out, nil
}

// ---- Redis-side fakes ----

type memEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (e *memEvents) IsProcessed(_ context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen[id], nil
}

func (e *memEvents) MarkProcessed(_ context.Context, id string, _ time.Duration) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[id] {
		return false, nil
	}
	e.seen[id] = true
	return true, nil
}

type memQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *memQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, _ time.Duration) (*ports.PayoutJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return nil, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return &ports.PayoutJob{PayoutID: id}, nil
}

func (q *memQueue) Ack(context.Context, *ports.PayoutJob) error { return nil }

func (q *memQueue) RequeueInFlight(context.Context) (int64, error) { return 0, nil }

func (q *memQueue) drain() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

// ---- Gateway fake ----

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	payoutErr error
	payouts   []ports.PayoutRequest
}

func (g *fakeGateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *fakeGateway) CreateOrder(_ context.Context, req ports.OrderRequest) (*ports.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &ports.GatewayOrder{ID: g.next("order"), AmountMinor: req.AmountMinor, Currency: req.Currency, Status: "created"}, nil
}

func (g *fakeGateway) CreateContact(context.Context, ports.ContactRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next("cont"), nil
}

func (g *fakeGateway) CreateFundAccount(context.Context, ports.FundAccountRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next("fa"), nil
}

func (g *fakeGateway) CreatePayout(_ context.Context, req ports.PayoutRequest) (*ports.GatewayPayout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, req)
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &ports.GatewayPayout{ID: g.next("pout"), FundAccountID: req.FundAccountID, Status: "processing"}, nil
}
