package domain

import (
	"fmt"
	"time"
)

// OrderType определяет платёжный путь заказа. Тип неизменяем после создания.
type OrderType string

const (
	// OrderTypeB2B — оплата списанием с prepaid-баланса клиента.
	OrderTypeB2B OrderType = "b2b"
	// OrderTypeB2C — оплата картой через redirect на платёжный шлюз.
	OrderTypeB2C OrderType = "b2c"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, оплата ещё не инициирована.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusAwaitingPayment — ждём подтверждения оплаты от шлюза.
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	// OrderStatusProcessing — оплата подтверждена, идёт provisioning eSIM.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPendingRetry — provisioning временно не удался, ждём повтора.
	OrderStatusPendingRetry OrderStatus = "pending_retry"
	// OrderStatusCompleted — eSIM выдан, средства списаны окончательно.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusFailed — повторы исчерпаны, заказ закрыт с ошибкой.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusAdminReview — постоянная ошибка провайдера, нужен оператор.
	// Клиенту этот статус никогда не показывается, см. CustomerStatus.
	OrderStatusAdminReview OrderStatus = "admin_review"
	// OrderStatusCancelled — заказ отменён до оплаты.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// DefaultOrderMaxRetries — лимит повторных попыток provisioning по умолчанию.
const DefaultOrderMaxRetries = 10

// orderTransitions — центральная таблица легальных переходов статусов.
// Легальность перехода — данные, а не код: любые переходы вне таблицы
// отклоняются как ошибка программирования.
var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusAwaitingPayment: true,
		OrderStatusProcessing:      true, // B2B: баланс списывается синхронно, без шлюза
		OrderStatusCancelled:       true,
	},
	OrderStatusAwaitingPayment: {
		OrderStatusProcessing: true,
		OrderStatusCancelled:  true,
	},
	OrderStatusProcessing: {
		OrderStatusCompleted:    true,
		OrderStatusPendingRetry: true,
		OrderStatusFailed:       true,
		OrderStatusAdminReview:  true,
	},
	OrderStatusPendingRetry: {
		OrderStatusProcessing: true,
		OrderStatusFailed:     true,
	},
	OrderStatusAdminReview: {
		// Возврат в retry-цикл только явным действием оператора.
		OrderStatusProcessing: true,
		OrderStatusFailed:     true,
	},
}

// CanTransitionTo проверяет легальность перехода по таблице.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return orderTransitions[s][next]
}

// IsTerminal возвращает true для конечных статусов заказа.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsRetryEligible возвращает true, если retry sweep может подхватить заказ.
func (s OrderStatus) IsRetryEligible() bool {
	return s == OrderStatusPendingRetry
}

// CustomerStatus возвращает статус для клиентских проекций:
// admin_review всегда маскируется под processing.
func (s OrderStatus) CustomerStatus() OrderStatus {
	if s == OrderStatusAdminReview {
		return OrderStatusProcessing
	}
	return s
}

// OrderRetryDelay возвращает backoff-задержку перед попыткой retryCount+1:
// min(5 * 2^retryCount, 60) минут, т.е. 5, 10, 20, 40, 60, 60, ...
func OrderRetryDelay(retryCount int) time.Duration {
	minutes := int64(60)
	if retryCount < 4 {
		minutes = 5 << uint(retryCount)
	}
	return time.Duration(minutes) * time.Minute
}

// Типы событий лога заказа.
const (
	EventOrderCreated          EventType = "order.created"
	EventOrderAwaitingPayment  EventType = "order.awaiting_payment"
	EventOrderPaymentConfirmed EventType = "order.payment_confirmed"
	EventOrderProvisioned      EventType = "order.provisioned"
	EventOrderCompleted        EventType = "order.completed"
	EventOrderRetryScheduled   EventType = "order.retry_scheduled"
	EventOrderRetryStarted     EventType = "order.retry_started"
	EventOrderFailed           EventType = "order.failed"
	EventOrderSentToReview     EventType = "order.sent_to_review"
	EventOrderReviewResolved   EventType = "order.review_resolved"
	EventOrderCancelled        EventType = "order.cancelled"
)

// OrderCreatedPayload фиксирует неизменяемые атрибуты заказа.
// ProfitMinor вычисляется один раз при создании и никогда не пересчитывается.
type OrderCreatedPayload struct {
	Number      string    `json:"number"`
	CustomerID  string    `json:"customer_id"`
	PackageID   string    `json:"package_id"`
	ProviderID  string    `json:"provider_id"`
	Type        OrderType `json:"type"`
	Currency    string    `json:"currency"`
	AmountMinor int64     `json:"amount_minor"`
	CostMinor   int64     `json:"cost_minor"`
	MaxRetries  int       `json:"max_retries,omitempty"`
}

// OrderAwaitingPaymentPayload связывает заказ с созданным платежом.
type OrderAwaitingPaymentPayload struct {
	PaymentID string `json:"payment_id"`
}

// OrderPaymentConfirmedPayload отражает подтверждение оплаты.
type OrderPaymentConfirmedPayload struct {
	PaymentID     string        `json:"payment_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

// OrderProvisionedPayload связывает заказ с выданным eSIM профилем.
type OrderProvisionedPayload struct {
	EsimProfileID string `json:"esim_profile_id"`
}

// OrderRetryScheduledPayload фиксирует неудачную попытку и план повтора.
type OrderRetryScheduledPayload struct {
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Reason      string    `json:"reason,omitempty"`
	Code        string    `json:"code,omitempty"`
}

// OrderFailurePayload описывает причину перевода в failed или admin_review.
type OrderFailurePayload struct {
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// OrderCancelledPayload описывает причину отмены.
type OrderCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Order — проекция агрегата заказа, восстановленная из лога событий.
// Состояние никогда не мутируется напрямую, только через ReplayOrder.
type Order struct {
	ID            string
	Number        string
	CustomerID    string
	PackageID     string
	ProviderID    string
	PaymentID     string
	EsimProfileID string

	Type     OrderType
	Status   OrderStatus
	Currency string

	AmountMinor int64
	CostMinor   int64
	ProfitMinor int64

	// PaymentStatus зеркалирует статус связанного платежа для быстрых чтений.
	PaymentStatus PaymentStatus

	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time

	FailureReason string
	FailureCode   string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanRetry возвращает true, пока лимит повторов не исчерпан и статус позволяет повтор.
func (o Order) CanRetry() bool {
	return o.RetryCount < o.MaxRetries && o.Status.IsRetryEligible()
}

// RetryDue возвращает true, если заказ пора подхватить retry sweep-ом.
func (o Order) RetryDue(now time.Time) bool {
	return o.CanRetry() && !o.NextRetryAt.After(now)
}

// ReplayOrder сворачивает события лога в текущее состояние заказа.
// Повторное применение той же последовательности из пустого состояния
// детерминированно даёт идентичную проекцию.
func ReplayOrder(events []Event) (Order, error) {
	if len(events) == 0 {
		return Order{}, ErrAggregateNotFound
	}
	var order Order
	for _, event := range events {
		next, err := applyOrderEvent(order, event)
		if err != nil {
			return Order{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		order = next
	}
	return order, nil
}

func applyOrderEvent(o Order, e Event) (Order, error) {
	switch e.Type {
	case EventOrderCreated:
		var p OrderCreatedPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.ID = e.AggregateID
		o.Number = p.Number
		o.CustomerID = p.CustomerID
		o.PackageID = p.PackageID
		o.ProviderID = p.ProviderID
		o.Type = p.Type
		o.Currency = p.Currency
		o.AmountMinor = p.AmountMinor
		o.CostMinor = p.CostMinor
		o.ProfitMinor = p.AmountMinor - p.CostMinor
		o.MaxRetries = p.MaxRetries
		if o.MaxRetries <= 0 {
			o.MaxRetries = DefaultOrderMaxRetries
		}
		o.Status = OrderStatusPending
		o.CreatedAt = e.OccurredAt

	case EventOrderAwaitingPayment:
		var p OrderAwaitingPaymentPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.PaymentID = p.PaymentID
		o.PaymentStatus = PaymentStatusPending
		o.Status = OrderStatusAwaitingPayment

	case EventOrderPaymentConfirmed:
		var p OrderPaymentConfirmedPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		if p.PaymentID != "" {
			o.PaymentID = p.PaymentID
		}
		o.PaymentStatus = p.PaymentStatus
		o.Status = OrderStatusProcessing

	case EventOrderProvisioned:
		var p OrderProvisionedPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.EsimProfileID = p.EsimProfileID

	case EventOrderCompleted:
		o.Status = OrderStatusCompleted
		o.FailureReason = ""
		o.FailureCode = ""

	case EventOrderRetryScheduled:
		var p OrderRetryScheduledPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.Status = OrderStatusPendingRetry
		o.RetryCount = p.RetryCount
		o.NextRetryAt = p.NextRetryAt
		o.FailureReason = p.Reason
		o.FailureCode = p.Code

	case EventOrderRetryStarted:
		o.Status = OrderStatusProcessing

	case EventOrderFailed:
		var p OrderFailurePayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.Status = OrderStatusFailed
		o.FailureReason = p.Reason
		o.FailureCode = p.Code

	case EventOrderSentToReview:
		var p OrderFailurePayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.Status = OrderStatusAdminReview
		o.FailureReason = p.Reason
		o.FailureCode = p.Code

	case EventOrderReviewResolved:
		o.Status = OrderStatusProcessing

	case EventOrderCancelled:
		var p OrderCancelledPayload
		if err := e.DecodePayload(&p); err != nil {
			return o, err
		}
		o.Status = OrderStatusCancelled
		o.FailureReason = p.Reason

	default:
		return o, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	o.Version = e.Seq
	o.UpdatedAt = e.OccurredAt
	return o, nil
}
