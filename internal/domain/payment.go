package domain

import (
	"fmt"
	"time"
)

// PaymentProviderBalance — внутренний псевдо-провайдер: оплата списанием
// с prepaid-баланса клиента, без round-trip к внешнему шлюзу.
const PaymentProviderBalance = "balance"

// PaymentStatus описывает состояние платёжной попытки.
type PaymentStatus string

const (
	// PaymentStatusPending — checkout-сессия создана, клиент ещё не платил.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing — шлюз принял платёж, ждём итогового статуса.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusSucceeded — оплата подтверждена.
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	// PaymentStatusFailed — шлюз отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusExpired — checkout-сессия истекла до подтверждения.
	PaymentStatusExpired PaymentStatus = "expired"
	// PaymentStatusPartiallyRefunded — возвращена часть суммы.
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	// PaymentStatusRefunded — возвращена вся сумма.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentStatusPending: {
		PaymentStatusProcessing: true,
		PaymentStatusSucceeded:  true, // balance-провайдер подтверждается синхронно
		PaymentStatusFailed:     true,
		PaymentStatusExpired:    true,
	},
	PaymentStatusProcessing: {
		PaymentStatusSucceeded: true,
		PaymentStatusFailed:    true,
		PaymentStatusExpired:   true,
	},
	PaymentStatusSucceeded: {
		PaymentStatusPartiallyRefunded: true,
		PaymentStatusRefunded:          true,
	},
	PaymentStatusPartiallyRefunded: {
		PaymentStatusPartiallyRefunded: true,
		PaymentStatusRefunded:          true,
	},
}

// CanTransitionTo проверяет легальность перехода статуса платежа.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return paymentTransitions[s][next]
}

// Типы событий лога платежа.
const (
	EventPaymentCreated    EventType = "payment.created"
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentExpired    EventType = "payment.expired"
	EventPaymentRefunded   EventType = "payment.refunded"
)

// PaymentCreatedPayload фиксирует параметры платёжной попытки.
type PaymentCreatedPayload struct {
	CustomerID     string            `json:"customer_id"`
	OrderID        string            `json:"order_id,omitempty"`
	Provider       string            `json:"provider"`
	Type           OrderType         `json:"type"`
	Currency       string            `json:"currency"`
	AmountMinor    int64             `json:"amount_minor"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	GatewayID      string            `json:"gateway_id,omitempty"`
	SessionID      string            `json:"gateway_session_id,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PaymentSucceededPayload несёт внешний correlation id подтверждения.
type PaymentSucceededPayload struct {
	TransactionID string `json:"transaction_id,omitempty"`
}

// PaymentFailedPayload описывает отказ шлюза.
type PaymentFailedPayload struct {
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// PaymentRefundedPayload описывает один возврат (полный или частичный).
type PaymentRefundedPayload struct {
	AmountMinor   int64  `json:"amount_minor"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Payment — проекция платёжной попытки.
type Payment struct {
	ID         string
	CustomerID string
	OrderID    string
	Provider   string
	Type       OrderType
	Status     PaymentStatus
	Currency   string

	AmountMinor   int64
	RefundedMinor int64

	GatewayID      string
	SessionID      string
	TransactionID  string
	IdempotencyKey string
	ExpiresAt      time.Time
	Metadata       map[string]string

	FailureReason string
	FailureCode   string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefundableMinor возвращает остаток, доступный к возврату.
func (p Payment) RefundableMinor() int64 {
	return p.AmountMinor - p.RefundedMinor
}

// CanRefund разрешает возврат только из успешного платежа с ненулевым остатком.
func (p Payment) CanRefund() bool {
	switch p.Status {
	case PaymentStatusSucceeded, PaymentStatusPartiallyRefunded:
		return p.RefundableMinor() > 0
	default:
		return false
	}
}

// IsExpired — производный time-based предикат, а не хранимый статус:
// истечение обнаруживается лениво при чтении и становится событием
// expired только когда его наблюдает операция (верификация, retry).
func (p Payment) IsExpired(now time.Time) bool {
	if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
		switch p.Status {
		case PaymentStatusPending, PaymentStatusProcessing:
			return true
		}
	}
	return p.Status == PaymentStatusExpired
}

// ReplayPayment сворачивает события лога в текущее состояние платежа.
func ReplayPayment(events []Event) (Payment, error) {
	if len(events) == 0 {
		return Payment{}, ErrAggregateNotFound
	}
	var payment Payment
	for _, event := range events {
		next, err := applyPaymentEvent(payment, event)
		if err != nil {
			return Payment{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		payment = next
	}
	return payment, nil
}

func applyPaymentEvent(p Payment, e Event) (Payment, error) {
	switch e.Type {
	case EventPaymentCreated:
		var payload PaymentCreatedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.ID = e.AggregateID
		p.CustomerID = payload.CustomerID
		p.OrderID = payload.OrderID
		p.Provider = payload.Provider
		p.Type = payload.Type
		p.Currency = payload.Currency
		p.AmountMinor = payload.AmountMinor
		p.IdempotencyKey = payload.IdempotencyKey
		p.GatewayID = payload.GatewayID
		p.SessionID = payload.SessionID
		p.ExpiresAt = payload.ExpiresAt
		p.Metadata = payload.Metadata
		p.Status = PaymentStatusPending
		p.CreatedAt = e.OccurredAt

	case EventPaymentProcessing:
		p.Status = PaymentStatusProcessing

	case EventPaymentSucceeded:
		var payload PaymentSucceededPayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.TransactionID = payload.TransactionID
		p.Status = PaymentStatusSucceeded

	case EventPaymentFailed:
		var payload PaymentFailedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.Status = PaymentStatusFailed
		p.FailureReason = payload.Reason
		p.FailureCode = payload.Code

	case EventPaymentExpired:
		p.Status = PaymentStatusExpired

	case EventPaymentRefunded:
		var payload PaymentRefundedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.RefundedMinor += payload.AmountMinor
		if p.RefundedMinor >= p.AmountMinor {
			p.RefundedMinor = p.AmountMinor
			p.Status = PaymentStatusRefunded
		} else {
			p.Status = PaymentStatusPartiallyRefunded
		}

	default:
		return p, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	p.Version = e.Seq
	p.UpdatedAt = e.OccurredAt
	return p, nil
}
