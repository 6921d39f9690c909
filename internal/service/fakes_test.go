package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/payment"
	"github.com/vetrovp/genforge/internal/repository"
)

// In-memory repository fakes shared by the service tests. They implement
// the same idempotency contracts as the real SQL implementations.

type fakeUsersRepo struct {
	mu     sync.Mutex
	nextID int64
	byTg   map[int64]*domain.User
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{nextID: 1, byTg: make(map[int64]*domain.User)}
}

func (r *fakeUsersRepo) add(u *domain.User) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == 0 {
		u.ID = r.nextID
		r.nextID++
	}
	if u.ReferralCode == "" {
		u.ReferralCode = domain.GenerateReferralCode()
	}
	u.CreatedAt = time.Now()
	r.byTg[u.TelegramID] = u
	return u
}

func (r *fakeUsersRepo) GetOrCreateByTelegramID(_ context.Context, telegramID int64, username, firstName string, isAdmin bool) (*domain.User, bool, error) {
	r.mu.Lock()
	if u, ok := r.byTg[telegramID]; ok {
		r.mu.Unlock()
		return u, false, nil
	}
	r.mu.Unlock()
	u := r.add(&domain.User{TelegramID: telegramID, Username: username, FirstName: firstName, IsAdmin: isAdmin})
	return u, true, nil
}

func (r *fakeUsersRepo) GetByTelegramID(_ context.Context, telegramID int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byTg[telegramID]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUsersRepo) GetByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byTg {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUsersRepo) GetByReferralCode(_ context.Context, code string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byTg {
		if u.ReferralCode == code {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUsersRepo) SetReferredBy(_ context.Context, userID, inviterID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byTg {
		if u.ID == userID && u.ReferredBy == nil {
			id := inviterID
			u.ReferredBy = &id
			return nil
		}
	}
	return nil
}

func (r *fakeUsersRepo) SetBanned(_ context.Context, telegramID int64, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byTg[telegramID]
	if !ok {
		return domain.ErrNotFound
	}
	u.IsBanned = banned
	return nil
}

func (r *fakeUsersRepo) Balance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byTg {
		if u.ID == userID {
			return u.Balance, nil
		}
	}
	return 0, domain.ErrNotFound
}

type fakeLedgerRepo struct {
	mu      sync.Mutex
	users   *fakeUsersRepo
	entries []*domain.LedgerEntry
}

func newFakeLedgerRepo(users *fakeUsersRepo) *fakeLedgerRepo {
	return &fakeLedgerRepo{users: users}
}

func (r *fakeLedgerRepo) has(reason domain.LedgerReason, referenceID string, debit bool) bool {
	for _, e := range r.entries {
		if e.Reason == reason && e.ReferenceID == referenceID && (e.Amount < 0) == debit {
			return true
		}
	}
	return false
}

func (r *fakeLedgerRepo) userByID(id int64) *domain.User {
	for _, u := range r.users.byTg {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (r *fakeLedgerRepo) DeductIdempotent(_ context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (domain.DeductOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has(reason, referenceID, true) {
		return domain.AlreadyDeducted, nil
	}
	r.users.mu.Lock()
	defer r.users.mu.Unlock()
	u := r.userByID(userID)
	if u == nil {
		return domain.Deducted, domain.ErrNotFound
	}
	if u.Balance < amount {
		return domain.InsufficientBalance, nil
	}
	u.Balance -= amount
	r.entries = append(r.entries, &domain.LedgerEntry{
		ID: int64(len(r.entries) + 1), UserID: userID, Amount: -amount,
		Reason: reason, ReferenceID: referenceID, BalanceAfter: u.Balance, CreatedAt: time.Now(),
	})
	return domain.Deducted, nil
}

func (r *fakeLedgerRepo) Credit(_ context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has(reason, referenceID, false) {
		return false, nil
	}
	r.users.mu.Lock()
	defer r.users.mu.Unlock()
	u := r.userByID(userID)
	if u == nil {
		return false, domain.ErrNotFound
	}
	u.Balance += amount
	r.entries = append(r.entries, &domain.LedgerEntry{
		ID: int64(len(r.entries) + 1), UserID: userID, Amount: amount,
		Reason: reason, ReferenceID: referenceID, BalanceAfter: u.Balance, CreatedAt: time.Now(),
	})
	return true, nil
}

func (r *fakeLedgerRepo) CreditTx(ctx context.Context, _ pgx.Tx, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error) {
	return r.Credit(ctx, userID, amount, reason, referenceID)
}

func (r *fakeLedgerRepo) ListForUser(_ context.Context, userID int64, limit int) ([]*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.LedgerEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].UserID == userID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

func (r *fakeLedgerRepo) countByReason(reason domain.LedgerReason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

type fakePaymentsRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*domain.Payment
}

func newFakePaymentsRepo() *fakePaymentsRepo {
	return &fakePaymentsRepo{nextID: 1, byID: make(map[int64]*domain.Payment)}
}

func (r *fakePaymentsRepo) CreatePending(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.nextID
	r.nextID++
	p.Status = domain.PaymentPending
	p.CreatedAt = time.Now()
	r.byID[p.ID] = p
	return nil
}

func (r *fakePaymentsRepo) GetByID(_ context.Context, id int64) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[id]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakePaymentsRepo) GetByProviderID(_ context.Context, providerID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.byID {
		if p.ProviderID == providerID {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakePaymentsRepo) GetByProviderIDForUpdate(ctx context.Context, _ pgx.Tx, providerID string) (*domain.Payment, error) {
	return r.GetByProviderID(ctx, providerID)
}

func (r *fakePaymentsRepo) MarkSucceededTx(_ context.Context, _ pgx.Tx, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	p.Status = domain.PaymentSucceeded
	now := time.Now()
	p.PaidAt = &now
	return true, nil
}

func (r *fakePaymentsRepo) ListPendingOlderThan(_ context.Context, age time.Duration, limit int) ([]*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*domain.Payment
	for _, p := range r.byID {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeGenerationsRepo struct {
	mu    sync.Mutex
	byReq map[string]*domain.Generation
}

func newFakeGenerationsRepo() *fakeGenerationsRepo {
	return &fakeGenerationsRepo{byReq: make(map[string]*domain.Generation)}
}

func (r *fakeGenerationsRepo) Create(_ context.Context, g *domain.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.ID = int64(len(r.byReq) + 1)
	g.CreatedAt = time.Now()
	r.byReq[g.RequestID] = g
	return nil
}

func (r *fakeGenerationsRepo) SetStatus(_ context.Context, requestID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byReq[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	g.Status = status
	return nil
}

func (r *fakeGenerationsRepo) GetByRequestID(_ context.Context, requestID string) (*domain.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.byReq[requestID]; ok {
		return g, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeGenerationsRepo) CountForUser(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.byReq {
		if g.UserID == userID {
			n++
		}
	}
	return n, nil
}

type fakeSupportRepo struct {
	mu       sync.Mutex
	byTicket map[string]*domain.SupportMessage
}

func newFakeSupportRepo() *fakeSupportRepo {
	return &fakeSupportRepo{byTicket: make(map[string]*domain.SupportMessage)}
}

func (r *fakeSupportRepo) Create(_ context.Context, m *domain.SupportMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.TicketID == "" {
		m.TicketID = domain.GenerateTicketID()
	}
	m.ID = int64(len(r.byTicket) + 1)
	m.CreatedAt = time.Now()
	r.byTicket[m.TicketID] = m
	return nil
}

func (r *fakeSupportRepo) GetByTicketID(_ context.Context, ticketID string) (*domain.SupportMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byTicket[ticketID]; ok {
		return m, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeSupportRepo) Reply(_ context.Context, ticketID, reply string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byTicket[ticketID]
	if !ok {
		return domain.ErrNotFound
	}
	m.AdminReply = reply
	now := time.Now()
	m.RepliedAt = &now
	return nil
}

func newFakeRepositories() (*repository.Repositories, *fakeUsersRepo, *fakeLedgerRepo) {
	users := newFakeUsersRepo()
	ledger := newFakeLedgerRepo(users)
	return &repository.Repositories{
		Users:       users,
		Ledger:      ledger,
		Payments:    newFakePaymentsRepo(),
		Generations: newFakeGenerationsRepo(),
		Support:     newFakeSupportRepo(),
	}, users, ledger
}

// fakeTx satisfies pgx.Tx for the settle path; the fakes above ignore the
// transaction handle entirely.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeTxBeginner struct {
	mu   sync.Mutex
	last *fakeTx
}

func (b *fakeTxBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &fakeTx{}
	return b.last, nil
}

// fakeProvider serves canned orders keyed by provider id.
type fakeProvider struct {
	mu      sync.Mutex
	nextID  int
	orders  map[string]*payment.Order
	created []payment.CreateRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{nextID: 1, orders: make(map[string]*payment.Order)}
}

func (p *fakeProvider) Create(_ context.Context, req payment.CreateRequest) (*payment.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("order-%d", p.nextID)
	p.nextID++
	order := &payment.Order{
		ID:     id,
		Status: "pending",
		Amount: payment.Amount{Value: fmt.Sprintf("%d.00", req.AmountRUB), Currency: "RUB"},
	}
	order.Confirmation.ConfirmationURL = "https://pay.example.com/" + id
	p.orders[id] = order
	p.created = append(p.created, req)
	return order, nil
}

func (p *fakeProvider) Find(_ context.Context, orderID string) (*payment.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return order, nil
}

func (p *fakeProvider) markPaid(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.Paid = true
		o.Status = payment.StatusSucceeded
	}
}
