package domain

import (
	"fmt"
	"time"
)

// Типы событий лога баланса. Баланс мутируется только этими событиями,
// прямых присваиваний полям нет нигде в системе.
const (
	EventBalanceCredited EventType = "balance.credited"
	EventBalanceReserved EventType = "balance.reserved"
	EventBalanceReleased EventType = "balance.released"
	EventBalanceDeducted EventType = "balance.deducted"
)

// BalanceOperationPayload — общий payload денежной операции над балансом.
type BalanceOperationPayload struct {
	AmountMinor int64  `json:"amount_minor"`
	OrderID     string `json:"order_id,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// BalanceTransactionType описывает тип записи аудита.
type BalanceTransactionType string

const (
	BalanceTxCredit  BalanceTransactionType = "credit"
	BalanceTxReserve BalanceTransactionType = "reserve"
	BalanceTxRelease BalanceTransactionType = "release"
	BalanceTxDeduct  BalanceTransactionType = "deduct"
)

// BalanceTransaction — аудит-запись, сопровождающая каждую мутацию баланса.
// Используется внешним генератором выписок.
type BalanceTransaction struct {
	ID                string
	CustomerID        string
	OrderID           string
	Type              BalanceTransactionType
	AmountMinor       int64
	BalanceAfterMinor int64
	CreatedAt         time.Time
}

// CustomerBalance — ledger одного B2B клиента.
// Инвариант: Available() >= 0 и ReservedMinor <= BalanceMinor после каждой
// операции; проверки выполняются сервисом до append, поэтому исторический
// лог этих инвариантов не нарушает.
type CustomerBalance struct {
	CustomerID    string
	BalanceMinor  int64
	ReservedMinor int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available возвращает доступные (не зарезервированные) средства.
func (b CustomerBalance) Available() int64 {
	return b.BalanceMinor - b.ReservedMinor
}

// CanReserve проверяет, хватает ли доступных средств под резерв.
func (b CustomerBalance) CanReserve(amountMinor int64) bool {
	return amountMinor > 0 && b.Available() >= amountMinor
}

// ReplayBalance сворачивает события лога в текущее состояние баланса.
// Пустой лог — валидный нулевой баланс нового клиента.
func ReplayBalance(customerID string, events []Event) (CustomerBalance, error) {
	balance := CustomerBalance{CustomerID: customerID}
	for _, event := range events {
		next, err := applyBalanceEvent(balance, event)
		if err != nil {
			return CustomerBalance{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		balance = next
	}
	return balance, nil
}

func applyBalanceEvent(b CustomerBalance, e Event) (CustomerBalance, error) {
	var p BalanceOperationPayload
	if err := e.DecodePayload(&p); err != nil {
		return b, err
	}

	switch e.Type {
	case EventBalanceCredited:
		b.BalanceMinor += p.AmountMinor
	case EventBalanceReserved:
		b.ReservedMinor += p.AmountMinor
	case EventBalanceReleased:
		b.ReservedMinor -= p.AmountMinor
	case EventBalanceDeducted:
		// Резерв конвертируется в фактическое списание: падают оба счётчика.
		b.BalanceMinor -= p.AmountMinor
		b.ReservedMinor -= p.AmountMinor
	default:
		return b, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	if b.CustomerID == "" {
		b.CustomerID = e.AggregateID
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = e.OccurredAt
	}
	b.Version = e.Seq
	b.UpdatedAt = e.OccurredAt
	return b, nil
}
