package domain

import (
	"context"
	"time"
)

// EventStore — append-only лог событий, единственный источник истины.
// Append сериализуется по агрегату: expectedVersion — версия, которую
// вызывающий прочитал; при несовпадении возвращается ErrVersionConflict,
// что исключает lost-update между callback шлюза и retry sweep.
type EventStore interface {
	// Append добавляет событие и возвращает присвоенный Seq.
	Append(ctx context.Context, event Event, expectedVersion int64) (int64, error)
	// Load возвращает все события агрегата в порядке лога.
	Load(ctx context.Context, aggType AggregateType, aggID string) ([]Event, error)
	// ListDueOrders возвращает id заказов в pending_retry с истёкшим next_retry_at.
	ListDueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListAggregateIDs возвращает id агрегатов типа в порядке появления в логе.
	// Используется batch-воркерами (usage sync) для обхода агрегатов.
	ListAggregateIDs(ctx context.Context, aggType AggregateType, limit int) ([]string, error)
}

// SnapshotStore кэширует материализованную проекцию агрегата.
// Снапшот — только оптимизация чтения и никогда не авторитетен:
// проекция в любой момент перестраивается из лога.
type SnapshotStore interface {
	Put(ctx context.Context, aggType AggregateType, aggID string, version int64, state []byte) error
	Get(ctx context.Context, aggType AggregateType, aggID string) (version int64, state []byte, err error)
}

// CheckoutSession — результат создания сессии у платёжного шлюза.
type CheckoutSession struct {
	CheckoutURL string
	ProviderRef string
}

// GatewayVerification — итог верификации платежа у шлюза.
type GatewayVerification struct {
	Status        PaymentStatus // succeeded | failed | pending
	TransactionID string
}

// RefundResult — итог возврата через шлюз. TransactionID — референс
// возврата на стороне шлюза, попадает в PaymentRefundedPayload.
type RefundResult struct {
	Status        PaymentStatus // refunded | partially_refunded
	TransactionID string
}

// CheckoutRequest — параметры создания checkout-сессии.
// IdempotencyKey передаётся шлюзу для дедупликации повторных запросов.
type CheckoutRequest struct {
	AmountMinor    int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	FailURL        string
	CustomerRef    string
	IdempotencyKey string
}

// PaymentGateway описывает контракт внешнего платёжного шлюза.
// Все вызовы несут bounded timeout через ctx; таймаут трактуется как
// failed-and-retryable, никогда как успех.
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	Verify(ctx context.Context, providerRef string) (GatewayVerification, error)
	Refund(ctx context.Context, providerRef string, amountMinor int64) (RefundResult, error)
}

// ProvisionResult — выданный провайдером eSIM профиль.
type ProvisionResult struct {
	ICCID          string
	ActivationCode string
	SmdpAddress    string
	QRCodeData     string
	LpaString      string
	DataTotalBytes int64
	ExpiresAt      time.Time
}

// UsageReport — отчёт провайдера о потреблении данных профилем.
type UsageReport struct {
	DataUsedBytes  int64
	DataTotalBytes int64
}

// ProvisioningProvider описывает контракт внешнего eSIM-провайдера.
// Ошибки классифицируются через ProviderError (retryable/permanent).
type ProvisioningProvider interface {
	Provision(ctx context.Context, packageRef, orderRef string) (ProvisionResult, error)
	Usage(ctx context.Context, iccid string) (UsageReport, error)
}

// NotificationSink — fire-and-forget уведомления клиента.
// Ошибки доставки никогда не откатывают заказ.
type NotificationSink interface {
	Notify(event string, payload map[string]interface{})
}

// OutboxMessage хранит данные для публикуемого наружу события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxRepository сохраняет события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxPublisher публикует события из transactional outbox; должен быть идемпотентным.
type OutboxPublisher interface {
	Publish(event OutboxMessage) error
}

// ProcessedCallback — запись об обработанном callback'е шлюза.
// Дедупликация по внешнему correlation id (transaction_id) выполняется
// до эмиссии нового доменного события.
type ProcessedCallback struct {
	TransactionID string
	PaymentID     string
	ProcessedAt   time.Time
}

// CallbackRepository хранит обработанные correlation id шлюза.
type CallbackRepository interface {
	// Record регистрирует callback; возвращает ErrDuplicateCallback,
	// если transaction id уже был обработан.
	Record(ctx context.Context, cb ProcessedCallback) error
	Seen(ctx context.Context, transactionID string) (bool, error)
}

// BalanceTransactionRepository хранит аудит-записи движений баланса.
type BalanceTransactionRepository interface {
	Append(ctx context.Context, tx BalanceTransaction) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]BalanceTransaction, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte) error
	MarkFailed(key string, responseBody []byte) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
