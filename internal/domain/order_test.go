package domain_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// helper для сборки лога заказа с последовательными Seq.
func orderEvents(t *testing.T, payloads []struct {
	eventType domain.EventType
	payload   interface{}
}) []domain.Event {
	t.Helper()
	events := make([]domain.Event, 0, len(payloads))
	for i, p := range payloads {
		event, err := domain.NewEvent(domain.AggregateOrder, "order-1", p.eventType, p.payload)
		if err != nil {
			t.Fatalf("build event %s: %v", p.eventType, err)
		}
		event.Seq = int64(i + 1)
		events = append(events, event)
	}
	return events
}

func makeCreatedPayload() domain.OrderCreatedPayload {
	return domain.OrderCreatedPayload{
		Number:      "ORD-1001",
		CustomerID:  "customer-1",
		PackageID:   "pkg-eu-10gb",
		ProviderID:  "provider-1",
		Type:        domain.OrderTypeB2B,
		Currency:    "EUR",
		AmountMinor: 3000,
		CostMinor:   2100,
	}
}

func TestOrderTransitionTable(t *testing.T) {
	cases := []struct {
		from    domain.OrderStatus
		to      domain.OrderStatus
		allowed bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment, true},
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusCompleted, false},
		{domain.OrderStatusAwaitingPayment, domain.OrderStatusProcessing, true},
		{domain.OrderStatusAwaitingPayment, domain.OrderStatusCancelled, true},
		{domain.OrderStatusAwaitingPayment, domain.OrderStatusCompleted, false},
		{domain.OrderStatusProcessing, domain.OrderStatusCompleted, true},
		{domain.OrderStatusProcessing, domain.OrderStatusPendingRetry, true},
		{domain.OrderStatusProcessing, domain.OrderStatusAdminReview, true},
		{domain.OrderStatusProcessing, domain.OrderStatusFailed, true},
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled, false},
		{domain.OrderStatusPendingRetry, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPendingRetry, domain.OrderStatusFailed, true},
		{domain.OrderStatusPendingRetry, domain.OrderStatusCompleted, false},
		{domain.OrderStatusAdminReview, domain.OrderStatusProcessing, true},
		{domain.OrderStatusAdminReview, domain.OrderStatusFailed, true},
		{domain.OrderStatusCompleted, domain.OrderStatusProcessing, false},
		{domain.OrderStatusFailed, domain.OrderStatusProcessing, false},
		{domain.OrderStatusCancelled, domain.OrderStatusProcessing, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestOrderRetryDelaySequence(t *testing.T) {
	want := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		60 * time.Minute,
		60 * time.Minute,
		60 * time.Minute,
	}
	for i, expected := range want {
		if got := domain.OrderRetryDelay(i); got != expected {
			t.Errorf("retry_count=%d: got %v, want %v", i, got, expected)
		}
	}
}

func TestReplayOrder_Lifecycle(t *testing.T) {
	now := time.Now().UTC()
	events := orderEvents(t, []struct {
		eventType domain.EventType
		payload   interface{}
	}{
		{domain.EventOrderCreated, makeCreatedPayload()},
		{domain.EventOrderPaymentConfirmed, domain.OrderPaymentConfirmedPayload{
			PaymentID:     "payment-1",
			PaymentStatus: domain.PaymentStatusSucceeded,
		}},
		{domain.EventOrderProvisioned, domain.OrderProvisionedPayload{EsimProfileID: "esim-1"}},
		{domain.EventOrderCompleted, nil},
	})

	order, err := domain.ReplayOrder(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if order.Status != domain.OrderStatusCompleted {
		t.Errorf("status: got %s, want completed", order.Status)
	}
	if order.ProfitMinor != 900 {
		t.Errorf("profit: got %d, want 900", order.ProfitMinor)
	}
	if order.MaxRetries != domain.DefaultOrderMaxRetries {
		t.Errorf("max retries: got %d, want %d", order.MaxRetries, domain.DefaultOrderMaxRetries)
	}
	if order.PaymentID != "payment-1" || order.EsimProfileID != "esim-1" {
		t.Errorf("references not applied: %+v", order)
	}
	if order.Version != 4 {
		t.Errorf("version: got %d, want 4", order.Version)
	}
	if order.CreatedAt.Before(now.Add(-time.Minute)) {
		t.Errorf("created_at not set: %v", order.CreatedAt)
	}
}

func TestReplayOrder_Deterministic(t *testing.T) {
	events := orderEvents(t, []struct {
		eventType domain.EventType
		payload   interface{}
	}{
		{domain.EventOrderCreated, makeCreatedPayload()},
		{domain.EventOrderPaymentConfirmed, domain.OrderPaymentConfirmedPayload{
			PaymentID:     "payment-1",
			PaymentStatus: domain.PaymentStatusSucceeded,
		}},
		{domain.EventOrderRetryScheduled, domain.OrderRetryScheduledPayload{
			RetryCount:  1,
			NextRetryAt: time.Now().UTC().Add(5 * time.Minute),
			Reason:      "provider timeout",
		}},
	})

	first, err := domain.ReplayOrder(events)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	second, err := domain.ReplayOrder(events)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestReplayOrder_EmptyLog(t *testing.T) {
	if _, err := domain.ReplayOrder(nil); err != domain.ErrAggregateNotFound {
		t.Fatalf("got %v, want ErrAggregateNotFound", err)
	}
}

func TestOrderCustomerStatusMasksAdminReview(t *testing.T) {
	if got := domain.OrderStatusAdminReview.CustomerStatus(); got != domain.OrderStatusProcessing {
		t.Errorf("admin_review customer status: got %s, want processing", got)
	}
	if got := domain.OrderStatusCompleted.CustomerStatus(); got != domain.OrderStatusCompleted {
		t.Errorf("completed customer status: got %s, want completed", got)
	}
}

func TestOrderRetryGating(t *testing.T) {
	now := time.Now().UTC()
	order := domain.Order{
		Status:      domain.OrderStatusPendingRetry,
		RetryCount:  3,
		MaxRetries:  10,
		NextRetryAt: now.Add(-time.Minute),
	}
	if !order.CanRetry() {
		t.Error("expected CanRetry for pending_retry below the limit")
	}
	if !order.RetryDue(now) {
		t.Error("expected RetryDue with elapsed next_retry_at")
	}

	order.NextRetryAt = now.Add(time.Hour)
	if order.RetryDue(now) {
		t.Error("RetryDue must be false before next_retry_at")
	}

	order.RetryCount = order.MaxRetries
	if order.CanRetry() {
		t.Error("CanRetry must be false once retries are exhausted")
	}

	order.RetryCount = 0
	order.Status = domain.OrderStatusProcessing
	if order.CanRetry() {
		t.Error("CanRetry must be false outside retry-eligible statuses")
	}
}
