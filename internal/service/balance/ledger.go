package balance

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// Ledger управляет prepaid-балансами B2B клиентов.
// Все денежные операции одного клиента линеаризуются keyed-мьютексом,
// поэтому проверка инварианта и append события атомарны относительно
// других операций над тем же балансом.
type Ledger struct {
	events domain.EventStore
	audit  domain.BalanceTransactionRepository
	logger *log.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger создаёт сервис баланса.
func NewLedger(events domain.EventStore, audit domain.BalanceTransactionRepository, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "balance")
	}
	return &Ledger{
		events: events,
		audit:  audit,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) customerLock(customerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[customerID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[customerID] = lock
	}
	return lock
}

// Get возвращает текущее состояние баланса клиента.
// Пустой лог — валидный нулевой баланс нового клиента.
func (l *Ledger) Get(ctx context.Context, customerID string) (domain.CustomerBalance, error) {
	events, err := l.events.Load(ctx, domain.AggregateBalance, customerID)
	if err != nil {
		return domain.CustomerBalance{}, err
	}
	return domain.ReplayBalance(customerID, events)
}

// Credit пополняет баланс клиента.
func (l *Ledger) Credit(ctx context.Context, customerID string, amountMinor int64, reference string) (domain.CustomerBalance, error) {
	return l.apply(ctx, customerID, domain.EventBalanceCredited, domain.BalanceTxCredit, domain.BalanceOperationPayload{
		AmountMinor: amountMinor,
		Reference:   reference,
	})
}

// Reserve удерживает средства под заказ. Средства остаются на балансе,
// но исключаются из доступных до Deduct или Release.
func (l *Ledger) Reserve(ctx context.Context, customerID string, amountMinor int64, orderID string) (domain.CustomerBalance, error) {
	return l.apply(ctx, customerID, domain.EventBalanceReserved, domain.BalanceTxReserve, domain.BalanceOperationPayload{
		AmountMinor: amountMinor,
		OrderID:     orderID,
	})
}

// Release снимает резерв компенсирующим событием при провале заказа.
func (l *Ledger) Release(ctx context.Context, customerID string, amountMinor int64, orderID string) (domain.CustomerBalance, error) {
	return l.apply(ctx, customerID, domain.EventBalanceReleased, domain.BalanceTxRelease, domain.BalanceOperationPayload{
		AmountMinor: amountMinor,
		OrderID:     orderID,
	})
}

// Deduct конвертирует резерв в фактическое списание при успешном выполнении заказа.
func (l *Ledger) Deduct(ctx context.Context, customerID string, amountMinor int64, orderID string) (domain.CustomerBalance, error) {
	return l.apply(ctx, customerID, domain.EventBalanceDeducted, domain.BalanceTxDeduct, domain.BalanceOperationPayload{
		AmountMinor: amountMinor,
		OrderID:     orderID,
	})
}

// Statement возвращает аудит-записи клиента от новых к старым.
func (l *Ledger) Statement(ctx context.Context, customerID string, limit int) ([]domain.BalanceTransaction, error) {
	return l.audit.ListByCustomer(ctx, customerID, limit)
}

func (l *Ledger) apply(ctx context.Context, customerID string, eventType domain.EventType, txType domain.BalanceTransactionType, payload domain.BalanceOperationPayload) (domain.CustomerBalance, error) {
	if payload.AmountMinor <= 0 {
		return domain.CustomerBalance{}, domain.ErrAmountNotPositive
	}

	lock := l.customerLock(customerID)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.Get(ctx, customerID)
	if err != nil {
		return domain.CustomerBalance{}, err
	}

	switch eventType {
	case domain.EventBalanceReserved:
		if !current.CanReserve(payload.AmountMinor) {
			return domain.CustomerBalance{}, domain.ErrInsufficientBalance
		}
	case domain.EventBalanceReleased:
		if payload.AmountMinor > current.ReservedMinor {
			return domain.CustomerBalance{}, domain.ErrReleaseExceedsReserved
		}
	case domain.EventBalanceDeducted:
		if payload.AmountMinor > current.ReservedMinor {
			return domain.CustomerBalance{}, domain.ErrReleaseExceedsReserved
		}
	}

	event, err := domain.NewEvent(domain.AggregateBalance, customerID, eventType, payload)
	if err != nil {
		return domain.CustomerBalance{}, err
	}
	if _, err := l.events.Append(ctx, event, current.Version); err != nil {
		return domain.CustomerBalance{}, err
	}

	updated, err := l.Get(ctx, customerID)
	if err != nil {
		return domain.CustomerBalance{}, err
	}

	if l.audit != nil {
		tx := domain.BalanceTransaction{
			CustomerID:        customerID,
			OrderID:           payload.OrderID,
			Type:              txType,
			AmountMinor:       payload.AmountMinor,
			BalanceAfterMinor: updated.BalanceMinor,
		}
		if err := l.audit.Append(ctx, tx); err != nil {
			// Аудит дополняет лог событий, а не заменяет его: движение денег
			// уже зафиксировано, поэтому операция не откатывается.
			l.logger.WithError(err).WithFields(log.Fields{
				"customer_id": customerID,
				"type":        txType,
			}).Warn("failed to append balance audit record")
		}
	}

	l.logger.WithFields(log.Fields{
		"customer_id":  customerID,
		"type":         txType,
		"amount_minor": payload.AmountMinor,
		"balance":      updated.BalanceMinor,
		"reserved":     updated.ReservedMinor,
	}).Debug("balance operation applied")

	return updated, nil
}
