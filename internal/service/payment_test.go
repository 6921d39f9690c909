package service

import (
	"context"
	"errors"
	"testing"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/payment"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

func newPayments(t *testing.T) (*PaymentServiceImpl, *repository.Repositories, *fakeUsersRepo, *fakeLedgerRepo, *fakeProvider) {
	t.Helper()
	repos, users, ledger := newFakeRepositories()
	provider := newFakeProvider()
	svc := NewPaymentService(&config.Config{}, &fakeTxBeginner{}, repos, provider, utils.NewMetricsCollector()).(*PaymentServiceImpl)
	return svc, repos, users, ledger, provider
}

func TestCreatePayment(t *testing.T) {
	svc, _, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, confirmURL, err := svc.CreatePayment(ctx, 7, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != domain.PaymentPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.Credits != config.CreditPackages[200] {
		t.Errorf("credits = %d, want %d", p.Credits, config.CreditPackages[200])
	}
	if confirmURL == "" {
		t.Error("confirmation URL must be returned")
	}
	if len(provider.created) != 1 || provider.created[0].AmountRUB != 200 {
		t.Errorf("provider request = %+v", provider.created)
	}
}

func TestCreatePaymentRejectsUnknownPackage(t *testing.T) {
	svc, _, users, _, _ := newPayments(t)
	users.add(&domain.User{TelegramID: 7})

	if _, _, err := svc.CreatePayment(context.Background(), 7, 123); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestProcessWebhookSettles(t *testing.T) {
	svc, repos, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	provider.markPaid(p.ProviderID)

	if err := svc.ProcessWebhook(ctx, p.ProviderID); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	got, _ := repos.Payments.GetByID(ctx, p.ID)
	if got.Status != domain.PaymentSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != p.Credits {
		t.Errorf("balance = %d, want %d", u.Balance, p.Credits)
	}
}

func TestProcessWebhookIdempotent(t *testing.T) {
	svc, _, users, ledger, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	provider.markPaid(p.ProviderID)

	for i := 0; i < 3; i++ {
		if err := svc.ProcessWebhook(ctx, p.ProviderID); err != nil {
			t.Fatalf("webhook %d: %v", i, err)
		}
	}

	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != p.Credits {
		t.Errorf("balance = %d, want single credit of %d", u.Balance, p.Credits)
	}
	if n := ledger.countByReason(domain.ReasonPayment); n != 1 {
		t.Errorf("payment credits = %d, want 1", n)
	}
	// The provider's own id is the idempotency reference.
	if !ledger.has(domain.ReasonPayment, p.ProviderID, false) {
		t.Errorf("ledger reference must be the provider id %q", p.ProviderID)
	}
}

func TestProcessWebhookIgnoresUnpaid(t *testing.T) {
	svc, repos, users, _, _ := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The order is still pending at the provider.
	if err := svc.ProcessWebhook(ctx, p.ProviderID); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	got, _ := repos.Payments.GetByID(ctx, p.ID)
	if got.Status != domain.PaymentPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
}

func TestSettleRefusesAmountMismatch(t *testing.T) {
	svc, repos, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	provider.markPaid(p.ProviderID)
	provider.orders[p.ProviderID].Amount = payment.Amount{Value: "1.00", Currency: "RUB"}

	if err := svc.ProcessWebhook(ctx, p.ProviderID); err == nil {
		t.Fatal("amount mismatch must refuse to settle")
	}
	got, _ := repos.Payments.GetByID(ctx, p.ID)
	if got.Status != domain.PaymentPending {
		t.Errorf("status = %s, want still pending", got.Status)
	}
	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 0 {
		t.Errorf("balance = %d, want 0", u.Balance)
	}
}

func TestSettleRefusesCurrencyMismatch(t *testing.T) {
	svc, _, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	provider.markPaid(p.ProviderID)
	provider.orders[p.ProviderID].Amount = payment.Amount{Value: "100.00", Currency: "USD"}

	if err := svc.ProcessWebhook(ctx, p.ProviderID); err == nil {
		t.Fatal("currency mismatch must refuse to settle")
	}
}

func TestSettleRefusesUnknownOrder(t *testing.T) {
	svc, _, _, _, provider := newPayments(t)
	ctx := context.Background()

	provider.orders["stranger"] = &payment.Order{
		ID: "stranger", Paid: true, Status: payment.StatusSucceeded,
		Amount: payment.Amount{Value: "100.00", Currency: "RUB"},
	}
	if err := svc.ProcessWebhook(ctx, "stranger"); err == nil {
		t.Fatal("order we never created must be refused")
	}
}

func TestConfirmByUser(t *testing.T) {
	svc, _, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})
	users.add(&domain.User{TelegramID: 8})

	p, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Someone else's payment id.
	if _, err := svc.ConfirmByUser(ctx, 8, p.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// Not paid yet: stays pending.
	got, err := svc.ConfirmByUser(ctx, 7, p.ID)
	if err != nil {
		t.Fatalf("confirm unpaid: %v", err)
	}
	if got.Status != domain.PaymentPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	provider.markPaid(p.ProviderID)
	got, err = svc.ConfirmByUser(ctx, 7, p.ID)
	if err != nil {
		t.Fatalf("confirm paid: %v", err)
	}
	if got.Status != domain.PaymentSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != p.Credits {
		t.Errorf("balance = %d, want %d", u.Balance, p.Credits)
	}
}

func TestReconcilePending(t *testing.T) {
	svc, repos, users, _, provider := newPayments(t)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7})

	paid, _, err := svc.CreatePayment(ctx, 7, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale, _, err := svc.CreatePayment(ctx, 7, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	provider.markPaid(paid.ProviderID)

	// Age both orders past the reconciler threshold.
	for _, p := range []*domain.Payment{paid, stale} {
		rec, _ := repos.Payments.GetByID(ctx, p.ID)
		rec.CreatedAt = rec.CreatedAt.Add(-2 * pendingAge)
	}

	settled, err := svc.ReconcilePending(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if settled != 1 {
		t.Errorf("settled = %d, want 1", settled)
	}
	got, _ := repos.Payments.GetByID(ctx, paid.ID)
	if got.Status != domain.PaymentSucceeded {
		t.Errorf("paid order = %s, want succeeded", got.Status)
	}
	got, _ = repos.Payments.GetByID(ctx, stale.ID)
	if got.Status != domain.PaymentPending {
		t.Errorf("unpaid order = %s, want pending", got.Status)
	}
}

func TestPaymentsDisabled(t *testing.T) {
	repos, _, _ := newFakeRepositories()
	svc := NewPaymentService(&config.Config{}, &fakeTxBeginner{}, repos, nil, utils.NewMetricsCollector())
	ctx := context.Background()

	if _, _, err := svc.CreatePayment(ctx, 7, 100); err == nil {
		t.Error("create without provider must fail")
	}
	if err := svc.ProcessWebhook(ctx, "x"); err == nil {
		t.Error("webhook without provider must fail")
	}
	if _, err := svc.ConfirmByUser(ctx, 7, 1); err == nil {
		t.Error("confirm without provider must fail")
	}
	if _, err := svc.ReconcilePending(ctx); err == nil {
		t.Error("reconcile without provider must fail")
	}
}
