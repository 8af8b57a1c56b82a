package domain

import "time"

// IdempotencyStatus — жизненный цикл ключа идемпотентности создания заказа.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — первый запрос с этим ключом ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — заказ создан, результат сохранён для реплея.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — создание заказа завершилось ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord связывает idempotency-key с исходом создания заказа.
// RequestHash защищает от переиспользования ключа с другим телом запроса;
// ResponseBody хранит сериализованный результат для реплея повторов.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanReplay возвращает true, если повтор с этим ключом можно ответить
// сохранённым результатом без создания нового заказа.
func (r IdempotencyRecord) CanReplay() bool {
	return r.Status == IdempotencyStatusDone && len(r.ResponseBody) > 0
}
