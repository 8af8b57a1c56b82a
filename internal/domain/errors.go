package domain

import "errors"

var (
	// ErrAggregateNotFound возвращается, когда у агрегата нет ни одного события в логе.
	ErrAggregateNotFound = errors.New("aggregate not found")
	// ErrVersionConflict сигнализирует о параллельном append к одному агрегату.
	ErrVersionConflict = errors.New("aggregate version conflict")
	// ErrIllegalTransition — попытка перехода, отсутствующего в таблице переходов.
	// Это ошибка программирования вызывающего кода, а не ожидаемое состояние.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrUnknownEventType — в логе встретилось событие, неизвестное apply-функции.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInsufficientBalance — у клиента недостаточно доступных средств для резерва.
	ErrInsufficientBalance = errors.New("insufficient available balance")
	// ErrReleaseExceedsReserved — попытка снять резерв больше, чем удерживается.
	ErrReleaseExceedsReserved = errors.New("release exceeds reserved amount")
	// ErrAmountNotPositive — денежная операция с нулевой или отрицательной суммой.
	ErrAmountNotPositive = errors.New("amount must be positive")

	// ErrPaymentNotRefundable — возврат запрещён текущим статусом платежа.
	ErrPaymentNotRefundable = errors.New("payment is not refundable")
	// ErrRefundExceedsRemainder — сумма возврата превышает остаток к возврату.
	ErrRefundExceedsRemainder = errors.New("refund exceeds refundable remainder")
	// ErrPaymentSessionExpired — операция над платёжной сессией после expires_at.
	// Поздний success-callback по истёкшей сессии отклоняется с этой ошибкой.
	ErrPaymentSessionExpired = errors.New("payment session expired")

	// ErrDuplicateCallback — callback с уже обработанным correlation id.
	// Второе применение того же transaction_id — no-op.
	ErrDuplicateCallback = errors.New("duplicate gateway callback")

	// ErrRetriesExhausted — заказ исчерпал лимит повторных попыток provisioning.
	ErrRetriesExhausted = errors.New("order retries exhausted")
	// ErrOrderNotRetryable — заказ не находится в retry-eligible статусе.
	ErrOrderNotRetryable = errors.New("order is not retryable")

	// ErrTicketClosed — попытка добавить сообщение в закрытый/завершённый тикет.
	ErrTicketClosed = errors.New("ticket does not accept messages")

	// ErrSyncJobNotRetryable — повтор sync job вне статуса failed или после лимита.
	ErrSyncJobNotRetryable = errors.New("sync job is not retryable")

	// ErrIdempotencyKeyRequired — пустой idempotency-key в запросе.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой hash тела запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же hash.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — ключ не найден в хранилище.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ProviderError оборачивает ошибку provisioning-провайдера с классификацией.
// Transient-ошибки уводят заказ в pending_retry, постоянные — в admin_review.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return "provider: " + e.Message
	}
	return "provider error " + e.Code
}

// IsRetryableProviderError возвращает true для временных ошибок провайдера.
// Неизвестные ошибки (таймауты, сеть) считаются временными: таймаут никогда
// не трактуется как успех, но и не закрывает заказ навсегда.
func IsRetryableProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий лога.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
