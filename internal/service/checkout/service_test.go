package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
	"github.com/mzaharenkov/esimoms/internal/service/balance"
	"github.com/mzaharenkov/esimoms/internal/service/gateway"
	"github.com/mzaharenkov/esimoms/internal/storage/memory"
)

// fulfillmentRecorder фиксирует запуски fulfillment вместо настоящего оркестратора.
type fulfillmentRecorder struct {
	started []string
}

func (r *fulfillmentRecorder) Start(ctx context.Context, orderID string) {
	r.started = append(r.started, orderID)
}

type checkoutEnv struct {
	events      domain.EventStore
	ledger      *balance.Ledger
	gateway     *gateway.MockGateway
	fulfillment *fulfillmentRecorder
	service     *Service
	clock       time.Time
}

func newCheckoutEnv(t *testing.T) *checkoutEnv {
	t.Helper()

	env := &checkoutEnv{
		events:      memory.NewEventStore(),
		gateway:     gateway.NewMockGateway(),
		fulfillment: &fulfillmentRecorder{},
		clock:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.ledger = balance.NewLedger(env.events, memory.NewBalanceTransactionRepository(), log.WithField("component", "test"))
	env.service = NewService(Config{
		Events:      env.events,
		Ledger:      env.ledger,
		Gateway:     env.gateway,
		Callbacks:   memory.NewCallbackRepository(),
		Idempotency: memory.NewIdempotencyRepository(),
		Outbox:      memory.NewOutboxRepository(),
		Fulfillment: env.fulfillment,
	})
	env.service.SetClock(func() time.Time { return env.clock })
	return env
}

func (env *checkoutEnv) credit(t *testing.T, customerID string, amount int64) {
	t.Helper()
	if _, err := env.ledger.Credit(context.Background(), customerID, amount, "topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func b2bRequest() CreateOrderRequest {
	return CreateOrderRequest{
		CustomerID:  "cust-1",
		PackageID:   "pkg-eu-5gb",
		ProviderID:  "prov-1",
		Type:        domain.OrderTypeB2B,
		Currency:    "USD",
		AmountMinor: 2000,
		CostMinor:   1200,
	}
}

func b2cRequest() CreateOrderRequest {
	return CreateOrderRequest{
		CustomerID:  "cust-2",
		PackageID:   "pkg-us-10gb",
		ProviderID:  "prov-1",
		Type:        domain.OrderTypeB2C,
		Currency:    "USD",
		AmountMinor: 3500,
		CostMinor:   2100,
		SuccessURL:  "https://store.test/success",
		CancelURL:   "https://store.test/cancel",
		FailURL:     "https://store.test/fail",
	}
}

func TestCreateOrderB2BConfirmsSynchronously(t *testing.T) {
	env := newCheckoutEnv(t)
	env.credit(t, "cust-1", 10000)

	result, err := env.service.CreateOrder(context.Background(), b2bRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.Status != domain.OrderStatusProcessing {
		t.Errorf("Status = %s, want processing", result.Status)
	}
	if result.CheckoutURL != "" {
		t.Errorf("CheckoutURL = %q, want empty for balance payment", result.CheckoutURL)
	}

	payment, err := env.service.GetPayment(context.Background(), result.PaymentID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Errorf("payment Status = %s, want succeeded", payment.Status)
	}
	if payment.Provider != domain.PaymentProviderBalance {
		t.Errorf("Provider = %s, want balance", payment.Provider)
	}

	bal, _ := env.ledger.Get(context.Background(), "cust-1")
	if bal.ReservedMinor != 2000 {
		t.Errorf("ReservedMinor = %d, want 2000", bal.ReservedMinor)
	}

	if len(env.fulfillment.started) != 1 || env.fulfillment.started[0] != result.OrderID {
		t.Errorf("fulfillment started = %v, want [%s]", env.fulfillment.started, result.OrderID)
	}
}

func TestCreateOrderB2BInsufficientBalance(t *testing.T) {
	env := newCheckoutEnv(t)
	env.credit(t, "cust-1", 500)

	_, err := env.service.CreateOrder(context.Background(), b2bRequest())
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("CreateOrder = %v, want ErrInsufficientBalance", err)
	}
	if len(env.fulfillment.started) != 0 {
		t.Errorf("fulfillment must not start for unpaid order: %v", env.fulfillment.started)
	}

	bal, _ := env.ledger.Get(context.Background(), "cust-1")
	if bal.BalanceMinor != 500 || bal.ReservedMinor != 0 {
		t.Errorf("balance = %d/%d, want untouched 500/0", bal.BalanceMinor, bal.ReservedMinor)
	}
}

func TestCreateOrderB2CReturnsCheckoutURL(t *testing.T) {
	env := newCheckoutEnv(t)

	result, err := env.service.CreateOrder(context.Background(), b2cRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.Status != domain.OrderStatusAwaitingPayment {
		t.Errorf("Status = %s, want awaiting_payment", result.Status)
	}
	if result.CheckoutURL == "" {
		t.Fatal("CheckoutURL must be set for gateway payment")
	}

	if env.gateway.LastCheckout.AmountMinor != 3500 {
		t.Errorf("gateway AmountMinor = %d, want 3500", env.gateway.LastCheckout.AmountMinor)
	}
	if env.gateway.LastCheckout.SuccessURL != "https://store.test/success" {
		t.Errorf("gateway SuccessURL = %q", env.gateway.LastCheckout.SuccessURL)
	}

	payment, err := env.service.GetPayment(context.Background(), result.PaymentID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if payment.SessionID == "" {
		t.Error("payment must remember the gateway session ref")
	}
	wantExpiry := env.clock.Add(30 * time.Minute)
	if !payment.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", payment.ExpiresAt, wantExpiry)
	}
}

func TestCreateOrderB2CGatewayFailureCancelsOrder(t *testing.T) {
	env := newCheckoutEnv(t)
	env.gateway.CheckoutErr = errors.New("gateway unreachable")

	_, err := env.service.CreateOrder(context.Background(), b2cRequest())
	if err == nil {
		t.Fatal("expected error when gateway is down")
	}
}

func TestHandleGatewayCallbackConfirmsPayment(t *testing.T) {
	env := newCheckoutEnv(t)
	result, err := env.service.CreateOrder(context.Background(), b2cRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	err = env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("HandleGatewayCallback: %v", err)
	}

	payment, _ := env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Errorf("payment Status = %s, want succeeded", payment.Status)
	}
	order, _ := env.service.GetOrder(context.Background(), result.OrderID)
	if order.Status != domain.OrderStatusProcessing {
		t.Errorf("order Status = %s, want processing", order.Status)
	}
	if len(env.fulfillment.started) != 1 {
		t.Errorf("fulfillment started = %v, want single start", env.fulfillment.started)
	}
	// Callback не принимается на веру, статус перепроверяется у шлюза.
	if env.gateway.VerifyCalls != 1 {
		t.Errorf("VerifyCalls = %d, want 1", env.gateway.VerifyCalls)
	}
}

func TestHandleGatewayCallbackDeduplicatesByTransactionID(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())

	cb := CallbackRequest{PaymentID: result.PaymentID, TransactionID: "txn-1"}
	if err := env.service.HandleGatewayCallback(context.Background(), cb); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := env.service.HandleGatewayCallback(context.Background(), cb); err != nil {
		t.Fatalf("duplicate callback must be a silent no-op: %v", err)
	}

	if env.gateway.VerifyCalls != 1 {
		t.Errorf("VerifyCalls = %d, want 1 (duplicate skips verification)", env.gateway.VerifyCalls)
	}
	if len(env.fulfillment.started) != 1 {
		t.Errorf("fulfillment started = %v, want single start", env.fulfillment.started)
	}
}

func TestHandleGatewayCallbackExpiredSession(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())

	env.clock = env.clock.Add(31 * time.Minute)
	err := env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-late",
	})
	if !errors.Is(err, domain.ErrPaymentSessionExpired) {
		t.Fatalf("late callback = %v, want ErrPaymentSessionExpired", err)
	}

	payment, _ := env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusExpired {
		t.Errorf("payment Status = %s, want expired", payment.Status)
	}
	order, _ := env.service.GetOrder(context.Background(), result.OrderID)
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("order Status = %s, want cancelled", order.Status)
	}
	if len(env.fulfillment.started) != 0 {
		t.Errorf("fulfillment must not start for expired session: %v", env.fulfillment.started)
	}
}

func TestHandleGatewayCallbackDeclinedPayment(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())
	env.gateway.VerifyStatus = domain.PaymentStatusFailed

	err := env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("HandleGatewayCallback: %v", err)
	}

	payment, _ := env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusFailed {
		t.Errorf("payment Status = %s, want failed", payment.Status)
	}
	order, _ := env.service.GetOrder(context.Background(), result.OrderID)
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("order Status = %s, want cancelled", order.Status)
	}
}

func TestHandleGatewayCallbackPendingVerificationWaits(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())
	env.gateway.VerifyStatus = domain.PaymentStatusPending

	err := env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-1",
	})
	if err != nil {
		t.Fatalf("HandleGatewayCallback: %v", err)
	}

	payment, _ := env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusPending {
		t.Errorf("payment Status = %s, want pending (still waiting)", payment.Status)
	}

	// Pending — не финальный исход, transaction id не расходуется:
	// повторная доставка того же callback'а должна довести платёж до конца.
	env.gateway.VerifyStatus = domain.PaymentStatusSucceeded
	if err := env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-1",
	}); err != nil {
		t.Fatalf("redelivered callback: %v", err)
	}
	payment, _ = env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Errorf("payment Status = %s, want succeeded after redelivery", payment.Status)
	}
	if len(env.fulfillment.started) != 1 {
		t.Errorf("fulfillment started = %v, want single start", env.fulfillment.started)
	}
}

func TestHandleGatewayCallbackVerifyErrorAllowsRedelivery(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())

	cb := CallbackRequest{PaymentID: result.PaymentID, TransactionID: "txn-1"}

	// Шлюз временно недоступен: callback завершается ошибкой,
	// и transaction id не должен быть израсходован.
	env.gateway.VerifyErr = errors.New("gateway timeout")
	if err := env.service.HandleGatewayCallback(context.Background(), cb); err == nil {
		t.Fatal("expected error while gateway verification is down")
	}
	if len(env.fulfillment.started) != 0 {
		t.Fatalf("fulfillment must not start on failed verification: %v", env.fulfillment.started)
	}

	// Шлюз ожил, провайдер передоставил тот же callback.
	env.gateway.VerifyErr = nil
	if err := env.service.HandleGatewayCallback(context.Background(), cb); err != nil {
		t.Fatalf("redelivered callback: %v", err)
	}

	payment, _ := env.service.GetPayment(context.Background(), result.PaymentID)
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Errorf("payment Status = %s, want succeeded", payment.Status)
	}
	order, _ := env.service.GetOrder(context.Background(), result.OrderID)
	if order.Status != domain.OrderStatusProcessing {
		t.Errorf("order Status = %s, want processing", order.Status)
	}
	if len(env.fulfillment.started) != 1 {
		t.Errorf("fulfillment started = %v, want single start", env.fulfillment.started)
	}

	// А вот после применённого исхода id уже израсходован.
	if err := env.service.HandleGatewayCallback(context.Background(), cb); err != nil {
		t.Fatalf("duplicate after success: %v", err)
	}
	if env.gateway.VerifyCalls != 2 {
		t.Errorf("VerifyCalls = %d, want 2 (duplicate skips verification)", env.gateway.VerifyCalls)
	}
}

func TestCreateOrderIdempotencyReplay(t *testing.T) {
	env := newCheckoutEnv(t)
	env.credit(t, "cust-1", 10000)

	req := b2bRequest()
	req.IdempotencyKey = "idem-1"

	first, err := env.service.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := env.service.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed CreateOrder: %v", err)
	}

	if second.OrderID != first.OrderID || second.PaymentID != first.PaymentID {
		t.Errorf("replay returned different order: first=%+v second=%+v", first, second)
	}
	// Второго заказа и второго резерва быть не должно.
	bal, _ := env.ledger.Get(context.Background(), "cust-1")
	if bal.ReservedMinor != 2000 {
		t.Errorf("ReservedMinor = %d, want 2000 (single reserve)", bal.ReservedMinor)
	}
	if len(env.fulfillment.started) != 1 {
		t.Errorf("fulfillment started = %v, want single start", env.fulfillment.started)
	}
}

func TestCreateOrderIdempotencyHashMismatch(t *testing.T) {
	env := newCheckoutEnv(t)
	env.credit(t, "cust-1", 10000)

	req := b2bRequest()
	req.IdempotencyKey = "idem-1"
	if _, err := env.service.CreateOrder(context.Background(), req); err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}

	req.AmountMinor = 9999
	_, err := env.service.CreateOrder(context.Background(), req)
	if !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("reused key with different body = %v, want ErrIdempotencyHashMismatch", err)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())

	if err := env.service.CancelOrder(context.Background(), result.OrderID, "customer changed mind"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	order, _ := env.service.GetOrder(context.Background(), result.OrderID)
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", order.Status)
	}

	// Отменённый заказ нельзя отменить ещё раз.
	if err := env.service.CancelOrder(context.Background(), result.OrderID, "again"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Errorf("second cancel = %v, want ErrIllegalTransition", err)
	}
}

func TestRefundPaymentBalanceProvider(t *testing.T) {
	env := newCheckoutEnv(t)
	env.credit(t, "cust-1", 10000)
	result, err := env.service.CreateOrder(context.Background(), b2bRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	payment, err := env.service.RefundPayment(context.Background(), result.PaymentID, 0, "order failed")
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusRefunded {
		t.Errorf("Status = %s, want refunded", payment.Status)
	}

	// Balance-платёж возвращается пополнением баланса, без шлюза.
	if env.gateway.RefundCalls != 0 {
		t.Errorf("RefundCalls = %d, want 0", env.gateway.RefundCalls)
	}
	bal, _ := env.ledger.Get(context.Background(), "cust-1")
	if bal.BalanceMinor != 12000 {
		t.Errorf("BalanceMinor = %d, want 12000 after refund credit", bal.BalanceMinor)
	}
}

func TestRefundPaymentGatewayProvider(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())
	if err := env.service.HandleGatewayCallback(context.Background(), CallbackRequest{
		PaymentID:     result.PaymentID,
		TransactionID: "txn-1",
	}); err != nil {
		t.Fatalf("HandleGatewayCallback: %v", err)
	}

	payment, err := env.service.RefundPayment(context.Background(), result.PaymentID, 1000, "partial goodwill refund")
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if payment.Status != domain.PaymentStatusPartiallyRefunded {
		t.Errorf("Status = %s, want partially_refunded", payment.Status)
	}
	if payment.RefundedMinor != 1000 {
		t.Errorf("RefundedMinor = %d, want 1000", payment.RefundedMinor)
	}
	if env.gateway.RefundCalls != 1 {
		t.Errorf("RefundCalls = %d, want 1", env.gateway.RefundCalls)
	}

	// Референс возврата от шлюза сохраняется в событии.
	events, err := env.events.Load(context.Background(), domain.AggregatePayment, result.PaymentID)
	if err != nil {
		t.Fatalf("Load payment events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventPaymentRefunded {
		t.Fatalf("last event = %s, want payment.refunded", last.Type)
	}
	var refunded domain.PaymentRefundedPayload
	if err := last.DecodePayload(&refunded); err != nil {
		t.Fatalf("decode refund payload: %v", err)
	}
	if refunded.TransactionID == "" {
		t.Error("refund event must carry the gateway refund reference")
	}

	// Возврат сверх остатка отклоняется.
	if _, err := env.service.RefundPayment(context.Background(), result.PaymentID, 5000, "too much"); !errors.Is(err, domain.ErrRefundExceedsRemainder) {
		t.Errorf("over-refund = %v, want ErrRefundExceedsRemainder", err)
	}
}

func TestRefundPaymentNotRefundable(t *testing.T) {
	env := newCheckoutEnv(t)
	result, _ := env.service.CreateOrder(context.Background(), b2cRequest())

	// Pending платёж возвращать нечего.
	if _, err := env.service.RefundPayment(context.Background(), result.PaymentID, 0, ""); !errors.Is(err, domain.ErrPaymentNotRefundable) {
		t.Fatalf("refund of pending payment = %v, want ErrPaymentNotRefundable", err)
	}
}

func TestGetOrderUsesSnapshotCache(t *testing.T) {
	env := newCheckoutEnv(t)

	snapshots := memory.NewSnapshotStore()
	env.service.snapshots = snapshots

	result, err := env.service.CreateOrder(context.Background(), b2cRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Первое чтение прогревает кэш.
	order, err := env.service.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	version, state, err := snapshots.Get(context.Background(), domain.AggregateOrder, result.OrderID)
	if err != nil {
		t.Fatalf("snapshot should be populated: %v", err)
	}
	if version != order.Version || len(state) == 0 {
		t.Errorf("snapshot version = %d, want %d", version, order.Version)
	}

	// Второе чтение попадает в кэш и совпадает с проекцией.
	cached, err := env.service.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder (cached): %v", err)
	}
	if cached.ID != order.ID || cached.Status != order.Status || cached.Version != order.Version {
		t.Errorf("cached projection mismatch: %+v vs %+v", cached, order)
	}

	// После нового события устаревший снапшот игнорируется.
	if err := env.service.CancelOrder(context.Background(), result.OrderID, "customer request"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	fresh, err := env.service.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder (stale snapshot): %v", err)
	}
	if fresh.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled (stale snapshot must not win)", fresh.Status)
	}
}
