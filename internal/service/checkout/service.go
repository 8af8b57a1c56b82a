package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
	"github.com/mzaharenkov/esimoms/internal/service/balance"
)

const (
	defaultSessionTTL     = 30 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
)

// FulfillmentStarter запускает выполнение оплаченного заказа.
// Checkout не знает деталей provisioning, только точку входа.
type FulfillmentStarter interface {
	Start(ctx context.Context, orderID string)
}

// CreateOrderRequest — параметры создания заказа.
type CreateOrderRequest struct {
	CustomerID  string
	PackageID   string
	ProviderID  string
	Type        domain.OrderType
	Currency    string
	AmountMinor int64
	CostMinor   int64

	SuccessURL string
	CancelURL  string
	FailURL    string

	IdempotencyKey string
}

// CreateOrderResult — ответ на создание заказа.
// Для B2C содержит redirect URL платёжного шлюза.
type CreateOrderResult struct {
	OrderID     string             `json:"order_id"`
	Number      string             `json:"number"`
	PaymentID   string             `json:"payment_id"`
	Status      domain.OrderStatus `json:"status"`
	CheckoutURL string             `json:"checkout_url,omitempty"`
}

// CallbackRequest — callback платёжного шлюза о результате оплаты.
type CallbackRequest struct {
	PaymentID     string
	ProviderRef   string
	TransactionID string
}

// Service реализует создание заказов и обработку платёжных callback'ов.
type Service struct {
	events      domain.EventStore
	ledger      *balance.Ledger
	gateway     domain.PaymentGateway
	callbacks   domain.CallbackRepository
	idempotency domain.IdempotencyRepository
	outbox      domain.OutboxRepository
	fulfillment FulfillmentStarter
	snapshots   domain.SnapshotStore
	logger      *log.Entry

	sessionTTL time.Duration
	now        func() time.Time
}

// Config собирает зависимости checkout-сервиса.
type Config struct {
	Events      domain.EventStore
	Ledger      *balance.Ledger
	Gateway     domain.PaymentGateway
	Callbacks   domain.CallbackRepository
	Idempotency domain.IdempotencyRepository
	Outbox      domain.OutboxRepository
	Fulfillment FulfillmentStarter
	Snapshots   domain.SnapshotStore
	Logger      *log.Entry
	SessionTTL  time.Duration
}

// NewService создаёт checkout-сервис.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &Service{
		events:      cfg.Events,
		ledger:      cfg.Ledger,
		gateway:     cfg.Gateway,
		callbacks:   cfg.Callbacks,
		idempotency: cfg.Idempotency,
		outbox:      cfg.Outbox,
		fulfillment: cfg.Fulfillment,
		snapshots:   cfg.Snapshots,
		logger:      logger,
		sessionTTL:  sessionTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateOrder создаёт заказ. B2B оплачивается синхронно с prepaid-баланса,
// B2C получает redirect на checkout-сессию шлюза.
// Повтор с тем же idempotency-key возвращает сохранённый результат
// без создания второго заказа.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if req.AmountMinor <= 0 {
		return CreateOrderResult{}, domain.ErrAmountNotPositive
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" && s.idempotency != nil {
		if result, done, err := s.claimIdempotencyKey(key, req); done || err != nil {
			return result, err
		}
	}

	result, err := s.createOrder(ctx, req)

	if key != "" && s.idempotency != nil {
		s.finishIdempotencyKey(key, result, err)
	}
	return result, err
}

func (s *Service) createOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	orderID := uuid.NewString()
	number := "ESIM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])

	created := domain.OrderCreatedPayload{
		Number:      number,
		CustomerID:  req.CustomerID,
		PackageID:   req.PackageID,
		ProviderID:  req.ProviderID,
		Type:        req.Type,
		Currency:    req.Currency,
		AmountMinor: req.AmountMinor,
		CostMinor:   req.CostMinor,
	}
	if err := s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderCreated, created, 0); err != nil {
		return CreateOrderResult{}, err
	}
	s.enqueueNotification(domain.AggregateOrder, orderID, domain.EventOrderCreated, map[string]interface{}{
		"order_id":    orderID,
		"number":      number,
		"customer_id": req.CustomerID,
		"type":        string(req.Type),
	})

	switch req.Type {
	case domain.OrderTypeB2B:
		return s.createB2BOrder(ctx, orderID, number, req)
	case domain.OrderTypeB2C:
		return s.createB2COrder(ctx, orderID, number, req)
	default:
		return CreateOrderResult{}, fmt.Errorf("unsupported order type: %s", req.Type)
	}
}

// createB2BOrder резервирует средства на балансе и синхронно подтверждает
// оплату внутренним balance-провайдером.
func (s *Service) createB2BOrder(ctx context.Context, orderID, number string, req CreateOrderRequest) (CreateOrderResult, error) {
	paymentID := uuid.NewString()
	paymentCreated := domain.PaymentCreatedPayload{
		CustomerID:     req.CustomerID,
		OrderID:        orderID,
		Provider:       domain.PaymentProviderBalance,
		Type:           domain.OrderTypeB2B,
		Currency:       req.Currency,
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.appendEvent(ctx, domain.AggregatePayment, paymentID, domain.EventPaymentCreated, paymentCreated, 0); err != nil {
		return CreateOrderResult{}, err
	}

	if _, err := s.ledger.Reserve(ctx, req.CustomerID, req.AmountMinor, orderID); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":    orderID,
			"customer_id": req.CustomerID,
		}).Warn("balance reserve failed, cancelling order")

		_ = s.appendEvent(ctx, domain.AggregatePayment, paymentID, domain.EventPaymentFailed, domain.PaymentFailedPayload{
			Reason: err.Error(),
			Code:   "INSUFFICIENT_BALANCE",
		}, 1)
		_ = s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderCancelled, domain.OrderCancelledPayload{
			Reason: "balance reserve failed",
		}, 1)
		return CreateOrderResult{}, err
	}

	if err := s.appendEvent(ctx, domain.AggregatePayment, paymentID, domain.EventPaymentSucceeded, domain.PaymentSucceededPayload{}, 1); err != nil {
		return CreateOrderResult{}, err
	}
	if err := s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderPaymentConfirmed, domain.OrderPaymentConfirmedPayload{
		PaymentID:     paymentID,
		PaymentStatus: domain.PaymentStatusSucceeded,
	}, 1); err != nil {
		return CreateOrderResult{}, err
	}

	if s.fulfillment != nil {
		s.fulfillment.Start(ctx, orderID)
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return CreateOrderResult{}, err
	}
	return CreateOrderResult{
		OrderID:   orderID,
		Number:    number,
		PaymentID: paymentID,
		Status:    order.Status.CustomerStatus(),
	}, nil
}

// createB2COrder создаёт checkout-сессию шлюза и переводит заказ в ожидание оплаты.
func (s *Service) createB2COrder(ctx context.Context, orderID, number string, req CreateOrderRequest) (CreateOrderResult, error) {
	session, err := s.gateway.CreateCheckout(ctx, domain.CheckoutRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		FailURL:        req.FailURL,
		CustomerRef:    req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		_ = s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderCancelled, domain.OrderCancelledPayload{
			Reason: "checkout session creation failed",
		}, 1)
		return CreateOrderResult{}, fmt.Errorf("create checkout session: %w", err)
	}

	paymentID := uuid.NewString()
	paymentCreated := domain.PaymentCreatedPayload{
		CustomerID:     req.CustomerID,
		OrderID:        orderID,
		Provider:       "gateway",
		Type:           domain.OrderTypeB2C,
		Currency:       req.Currency,
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
		SessionID:      session.ProviderRef,
		ExpiresAt:      s.now().Add(s.sessionTTL),
	}
	if err := s.appendEvent(ctx, domain.AggregatePayment, paymentID, domain.EventPaymentCreated, paymentCreated, 0); err != nil {
		return CreateOrderResult{}, err
	}

	if err := s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderAwaitingPayment, domain.OrderAwaitingPaymentPayload{
		PaymentID: paymentID,
	}, 1); err != nil {
		return CreateOrderResult{}, err
	}

	return CreateOrderResult{
		OrderID:     orderID,
		Number:      number,
		PaymentID:   paymentID,
		Status:      domain.OrderStatusAwaitingPayment,
		CheckoutURL: session.CheckoutURL,
	}, nil
}

// HandleGatewayCallback обрабатывает уведомление шлюза о результате оплаты.
// Callback с уже обработанным transaction_id — no-op без новых событий.
// Статус из callback не принимается на веру: результат перепроверяется
// запросом Verify к шлюзу.
//
// Transaction id расходуется только после применения финального исхода.
// Пока верификация падает или возвращает pending, id остаётся свободным:
// шлюз переотправит тот же callback, и повтор пройдёт обработку заново.
func (s *Service) HandleGatewayCallback(ctx context.Context, req CallbackRequest) error {
	if strings.TrimSpace(req.TransactionID) == "" {
		return fmt.Errorf("gateway callback without transaction id")
	}

	seen, err := s.callbacks.Seen(ctx, req.TransactionID)
	if err != nil {
		return err
	}
	if seen {
		s.logger.WithFields(log.Fields{
			"transaction_id": req.TransactionID,
			"payment_id":     req.PaymentID,
		}).Debug("duplicate gateway callback ignored")
		return nil
	}

	payment, err := s.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return err
	}

	switch payment.Status {
	case domain.PaymentStatusSucceeded, domain.PaymentStatusFailed,
		domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
		// Платёж уже в конечном статусе, callback опоздал.
		s.consumeCallback(ctx, req)
		return nil
	}

	if payment.IsExpired(s.now()) {
		if payment.Status != domain.PaymentStatusExpired {
			if err := s.appendEvent(ctx, domain.AggregatePayment, payment.ID, domain.EventPaymentExpired, nil, payment.Version); err != nil {
				return err
			}
		}
		s.cancelOrderAfterPaymentFailure(ctx, payment.OrderID, "payment session expired")
		s.consumeCallback(ctx, req)
		return domain.ErrPaymentSessionExpired
	}

	providerRef := req.ProviderRef
	if providerRef == "" {
		providerRef = payment.SessionID
	}
	verification, err := s.gateway.Verify(ctx, providerRef)
	if err != nil {
		return fmt.Errorf("verify payment with gateway: %w", err)
	}

	switch verification.Status {
	case domain.PaymentStatusSucceeded:
		if err := s.confirmPayment(ctx, payment, verification.TransactionID); err != nil {
			return err
		}
		s.consumeCallback(ctx, req)
		return nil
	case domain.PaymentStatusFailed:
		if err := s.appendEvent(ctx, domain.AggregatePayment, payment.ID, domain.EventPaymentFailed, domain.PaymentFailedPayload{
			Reason: "gateway declined payment",
		}, payment.Version); err != nil {
			return err
		}
		s.cancelOrderAfterPaymentFailure(ctx, payment.OrderID, "payment failed")
		s.consumeCallback(ctx, req)
		return nil
	default:
		// Шлюз ещё не определился, ждём следующий callback.
		s.logger.WithFields(log.Fields{
			"payment_id": payment.ID,
			"status":     verification.Status,
		}).Debug("gateway verification not final yet")
		return nil
	}
}

// consumeCallback регистрирует transaction id как обработанный.
// Гонка двух одинаковых callback'ов разрешается version conflict'ом
// на логе платежа, поэтому дубликат здесь не ошибка.
func (s *Service) consumeCallback(ctx context.Context, req CallbackRequest) {
	err := s.callbacks.Record(ctx, domain.ProcessedCallback{
		TransactionID: req.TransactionID,
		PaymentID:     req.PaymentID,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateCallback) {
		s.logger.WithError(err).WithField("transaction_id", req.TransactionID).Warn("record processed callback failed")
	}
}

func (s *Service) confirmPayment(ctx context.Context, payment domain.Payment, transactionID string) error {
	if err := s.appendEvent(ctx, domain.AggregatePayment, payment.ID, domain.EventPaymentSucceeded, domain.PaymentSucceededPayload{
		TransactionID: transactionID,
	}, payment.Version); err != nil {
		return err
	}

	order, err := s.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusProcessing) {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Warn("payment confirmed for order in unexpected status")
		return nil
	}
	if err := s.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderPaymentConfirmed, domain.OrderPaymentConfirmedPayload{
		PaymentID:     payment.ID,
		PaymentStatus: domain.PaymentStatusSucceeded,
	}, order.Version); err != nil {
		return err
	}

	s.enqueueNotification(domain.AggregateOrder, order.ID, domain.EventOrderPaymentConfirmed, map[string]interface{}{
		"order_id":   order.ID,
		"payment_id": payment.ID,
	})

	if s.fulfillment != nil {
		s.fulfillment.Start(ctx, order.ID)
	}
	return nil
}

func (s *Service) cancelOrderAfterPaymentFailure(ctx context.Context, orderID, reason string) {
	if orderID == "" {
		return
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to load order for cancellation")
		return
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		return
	}
	if err := s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderCancelled, domain.OrderCancelledPayload{
		Reason: reason,
	}, order.Version); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to cancel order")
	}
}

// CancelOrder отменяет заказ до подтверждения оплаты.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		return domain.ErrIllegalTransition
	}
	return s.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderCancelled, domain.OrderCancelledPayload{
		Reason: reason,
	}, order.Version)
}

// RefundPayment возвращает средства по платежу: через шлюз для карточных
// оплат, пополнением баланса для внутреннего balance-провайдера.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, amountMinor int64, reason string) (domain.Payment, error) {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !payment.CanRefund() {
		return domain.Payment{}, domain.ErrPaymentNotRefundable
	}
	if amountMinor <= 0 {
		amountMinor = payment.RefundableMinor()
	}
	if amountMinor > payment.RefundableMinor() {
		return domain.Payment{}, domain.ErrRefundExceedsRemainder
	}

	// Balance-возврат внутренний и референса шлюза не имеет.
	var transactionID string
	if payment.Provider == domain.PaymentProviderBalance {
		if _, err := s.ledger.Credit(ctx, payment.CustomerID, amountMinor, "refund "+paymentID); err != nil {
			return domain.Payment{}, err
		}
	} else {
		refund, err := s.gateway.Refund(ctx, payment.SessionID, amountMinor)
		if err != nil {
			return domain.Payment{}, fmt.Errorf("gateway refund: %w", err)
		}
		if refund.Status != domain.PaymentStatusRefunded && refund.Status != domain.PaymentStatusPartiallyRefunded {
			return domain.Payment{}, fmt.Errorf("unexpected gateway refund status: %s", refund.Status)
		}
		transactionID = refund.TransactionID
	}

	if err := s.appendEvent(ctx, domain.AggregatePayment, paymentID, domain.EventPaymentRefunded, domain.PaymentRefundedPayload{
		AmountMinor:   amountMinor,
		Reason:        reason,
		TransactionID: transactionID,
	}, payment.Version); err != nil {
		return domain.Payment{}, err
	}

	return s.GetPayment(ctx, paymentID)
}

// GetOrder восстанавливает заказ из лога событий.
// При наличии snapshot store актуальный снапшот заменяет replay;
// снапшот с отставшей версией игнорируется и перезаписывается.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	events, err := s.events.Load(ctx, domain.AggregateOrder, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if s.snapshots != nil {
		if version, state, err := s.snapshots.Get(ctx, domain.AggregateOrder, orderID); err == nil && version == int64(len(events)) {
			var cached domain.Order
			if err := json.Unmarshal(state, &cached); err == nil {
				return cached, nil
			}
		}
	}

	order, err := domain.ReplayOrder(events)
	if err != nil {
		return domain.Order{}, err
	}
	s.putSnapshot(ctx, domain.AggregateOrder, orderID, order.Version, order)
	return order, nil
}

// GetPayment восстанавливает платёж из лога событий.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	events, err := s.events.Load(ctx, domain.AggregatePayment, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	if s.snapshots != nil {
		if version, state, err := s.snapshots.Get(ctx, domain.AggregatePayment, paymentID); err == nil && version == int64(len(events)) {
			var cached domain.Payment
			if err := json.Unmarshal(state, &cached); err == nil {
				return cached, nil
			}
		}
	}

	payment, err := domain.ReplayPayment(events)
	if err != nil {
		return domain.Payment{}, err
	}
	s.putSnapshot(ctx, domain.AggregatePayment, paymentID, payment.Version, payment)
	return payment, nil
}

// putSnapshot кэширует проекцию best-effort: ошибка кэша не влияет
// на результат чтения.
func (s *Service) putSnapshot(ctx context.Context, aggType domain.AggregateType, aggID string, version int64, state interface{}) {
	if s.snapshots == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.snapshots.Put(ctx, aggType, aggID, version, data); err != nil {
		s.logger.WithError(err).WithField("aggregate_id", aggID).Debug("snapshot put failed")
	}
}

func (s *Service) appendEvent(ctx context.Context, aggType domain.AggregateType, aggID string, eventType domain.EventType, payload interface{}, expectedVersion int64) error {
	event, err := domain.NewEvent(aggType, aggID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, event, expectedVersion); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}

func (s *Service) enqueueNotification(aggType domain.AggregateType, aggID string, eventType domain.EventType, payload map[string]interface{}) {
	if s.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", eventType).Error("marshal notification payload failed")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: string(aggType),
		AggregateID:   aggID,
		EventType:     string(eventType),
		Payload:       data,
	}); err != nil {
		s.logger.WithError(err).WithField("event", eventType).Error("enqueue notification failed")
	}
}

func (s *Service) claimIdempotencyKey(key string, req CreateOrderRequest) (CreateOrderResult, bool, error) {
	record, err := s.idempotency.CreateProcessing(key, requestHash(req), s.now().Add(defaultIdempotencyTTL))
	if err == nil {
		return CreateOrderResult{}, false, nil
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if record.CanReplay() {
			var result CreateOrderResult
			if jsonErr := json.Unmarshal(record.ResponseBody, &result); jsonErr == nil {
				return result, true, nil
			}
		}
		// Первый запрос ещё обрабатывается или завершился ошибкой.
		return CreateOrderResult{}, true, domain.ErrIdempotencyKeyAlreadyExists
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return CreateOrderResult{}, true, domain.ErrIdempotencyHashMismatch
	default:
		return CreateOrderResult{}, true, err
	}
}

func (s *Service) finishIdempotencyKey(key string, result CreateOrderResult, opErr error) {
	if opErr != nil {
		if err := s.idempotency.MarkFailed(key, []byte(opErr.Error())); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("failed to mark idempotency key failed")
		}
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("failed to marshal idempotency response")
		return
	}
	if err := s.idempotency.MarkDone(key, body); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("failed to mark idempotency key done")
	}
}

func requestHash(req CreateOrderRequest) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
