package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
	"github.com/mzaharenkov/esimoms/internal/metrics"
	"github.com/mzaharenkov/esimoms/internal/service/balance"
)

// Orchestrator выполняет оплаченный заказ: запрашивает eSIM у провайдера,
// списывает резерв и завершает заказ. Временные ошибки провайдера
// планируют повтор с exponential backoff, постоянные эскалируются
// оператору без показа клиенту.
type Orchestrator struct {
	events   domain.EventStore
	ledger   *balance.Ledger
	provider domain.ProvisioningProvider
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.FulfillmentMetrics
	now      func() time.Time
}

// Config собирает зависимости оркестратора.
type Config struct {
	Events   domain.EventStore
	Ledger   *balance.Ledger
	Provider domain.ProvisioningProvider
	Outbox   domain.OutboxRepository
	Logger   *log.Entry
	Metrics  *metrics.FulfillmentMetrics
}

// NewOrchestrator создаёт оркестратор выполнения заказов.
func NewOrchestrator(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "fulfillment")
	}
	return &Orchestrator{
		events:   cfg.Events,
		ledger:   cfg.Ledger,
		provider: cfg.Provider,
		outbox:   cfg.Outbox,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (для тестов).
func (o *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// Start обрабатывает заказ после подтверждения оплаты.
// Повторный вызов для заказа вне статуса processing — no-op.
func (o *Orchestrator) Start(ctx context.Context, orderID string) {
	start := o.now()
	if o.metrics != nil {
		o.metrics.RecordStarted()
		defer func() {
			o.metrics.RecordFinished()
			o.metrics.RecordDuration(time.Since(start))
		}()
	}

	order, err := o.getOrder(ctx, orderID)
	if err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Warn("order not found for fulfillment")
		return
	}
	if order.Status != domain.OrderStatusProcessing {
		o.logger.WithFields(log.Fields{
			"order_id": orderID,
			"status":   order.Status,
		}).Debug("order is not in processing, skipping fulfillment")
		return
	}

	// Для заказа в первом прогоне RetryCount равен нулю; после возврата
	// из admin_review счётчик сохраняет ранее израсходованные повторы.
	o.processAttempt(ctx, order, order.RetryCount)
}

// RunRetry выполняет созревший повтор provisioning для заказа в pending_retry.
func (o *Orchestrator) RunRetry(ctx context.Context, orderID string) error {
	order, err := o.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.RetryDue(o.now()) {
		return domain.ErrOrderNotRetryable
	}

	if err := o.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderRetryStarted, nil, order.Version); err != nil {
		return err
	}
	order, err = o.getOrder(ctx, orderID)
	if err != nil {
		return err
	}

	// Повтор, который сейчас выполняется, уже израсходован.
	o.processAttempt(ctx, order, order.RetryCount+1)
	return nil
}

// ResolveReview — явное действие оператора над заказом в admin_review:
// retry=true возвращает заказ в provisioning, retry=false закрывает его.
func (o *Orchestrator) ResolveReview(ctx context.Context, orderID string, retry bool, reason string) error {
	order, err := o.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusAdminReview {
		return domain.ErrIllegalTransition
	}

	if !retry {
		return o.failOrder(ctx, order, reason, "REVIEW_REJECTED")
	}

	if err := o.appendEvent(ctx, domain.AggregateOrder, orderID, domain.EventOrderReviewResolved, nil, order.Version); err != nil {
		return err
	}
	order, err = o.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.processAttempt(ctx, order, order.RetryCount)
	return nil
}

// processAttempt выполняет одну попытку provisioning.
// retriesConsumed — сколько повторов уже израсходовано, включая текущий,
// если попытка сама является повтором.
func (o *Orchestrator) processAttempt(ctx context.Context, order domain.Order, retriesConsumed int) {
	// Профиль уже выдан в прошлой попытке (упали на финализации):
	// провайдера не трогаем, осталось списать резерв и закрыть заказ.
	if order.EsimProfileID != "" {
		if err := o.finalizeOrder(ctx, order, o.profileICCID(ctx, order.EsimProfileID)); err != nil {
			o.logger.WithError(err).WithField("order_id", order.ID).Error("failed to complete order")
		}
		return
	}

	stepStart := o.now()
	result, err := o.provider.Provision(ctx, order.PackageID, order.ID)
	if o.metrics != nil {
		o.metrics.RecordStepDuration("provision", time.Since(stepStart))
	}

	if err != nil {
		o.handleProvisionFailure(ctx, order, retriesConsumed, err)
		return
	}

	if err := o.completeOrder(ctx, order, result); err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("failed to complete order")
	}
}

func (o *Orchestrator) completeOrder(ctx context.Context, order domain.Order, result domain.ProvisionResult) error {
	profileID := uuid.NewString()
	provisioned := domain.EsimProvisionedPayload{
		OrderID:        order.ID,
		ICCID:          result.ICCID,
		ActivationCode: result.ActivationCode,
		SmdpAddress:    result.SmdpAddress,
		QRCodeData:     result.QRCodeData,
		LpaString:      result.LpaString,
		DataTotalBytes: result.DataTotalBytes,
		ExpiresAt:      result.ExpiresAt,
	}
	if err := o.appendEvent(ctx, domain.AggregateEsimProfile, profileID, domain.EventEsimProvisioned, provisioned, 0); err != nil {
		return err
	}

	if err := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderProvisioned, domain.OrderProvisionedPayload{
		EsimProfileID: profileID,
	}, order.Version); err != nil {
		return err
	}

	order, err := o.getOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	return o.finalizeOrder(ctx, order, result.ICCID)
}

// finalizeOrder списывает резерв B2B клиента и закрывает заказ.
// Профиль к этому моменту уже выдан, поэтому неудачное списание не
// повод для повторного provisioning: заказ эскалируется оператору,
// и ResolveReview(retry) возвращается сюда, минуя провайдера.
func (o *Orchestrator) finalizeOrder(ctx context.Context, order domain.Order, iccid string) error {
	// Для B2B резерв конвертируется в списание только после успешной выдачи.
	if order.Type == domain.OrderTypeB2B {
		if _, err := o.ledger.Deduct(ctx, order.CustomerID, order.AmountMinor, order.ID); err != nil {
			if escErr := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderSentToReview, domain.OrderFailurePayload{
				Reason: "deduct reserved funds: " + err.Error(),
				Code:   "DEDUCT_FAILED",
			}, order.Version); escErr != nil {
				o.logger.WithError(escErr).WithField("order_id", order.ID).Error("failed to escalate order")
			} else if o.metrics != nil {
				o.metrics.RecordSentToReview()
			}
			return fmt.Errorf("deduct reserved funds: %w", err)
		}
	}

	if err := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderCompleted, nil, order.Version); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordCompleted()
	}
	o.enqueueNotification(order.ID, domain.EventOrderCompleted, map[string]interface{}{
		"order_id":        order.ID,
		"esim_profile_id": order.EsimProfileID,
		"iccid":           iccid,
	})
	o.logger.WithFields(log.Fields{
		"order_id":        order.ID,
		"esim_profile_id": order.EsimProfileID,
	}).Info("order fulfilled")
	return nil
}

// profileICCID достаёт ICCID выданного профиля для уведомления.
func (o *Orchestrator) profileICCID(ctx context.Context, profileID string) string {
	events, err := o.events.Load(ctx, domain.AggregateEsimProfile, profileID)
	if err != nil {
		return ""
	}
	profile, err := domain.ReplayEsimProfile(events)
	if err != nil {
		return ""
	}
	return profile.ICCID
}

func (o *Orchestrator) handleProvisionFailure(ctx context.Context, order domain.Order, retriesConsumed int, provErr error) {
	logger := o.logger.WithError(provErr).WithFields(log.Fields{
		"order_id":      order.ID,
		"retries_used":  retriesConsumed,
		"retries_limit": order.MaxRetries,
	})

	if !domain.IsRetryableProviderError(provErr) {
		logger.Warn("permanent provider failure, escalating to operator review")
		if err := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderSentToReview, domain.OrderFailurePayload{
			Reason: provErr.Error(),
			Code:   providerErrorCode(provErr),
		}, order.Version); err != nil {
			logger.WithError(err).Error("failed to escalate order")
			return
		}
		if o.metrics != nil {
			o.metrics.RecordSentToReview()
		}
		return
	}

	if retriesConsumed >= order.MaxRetries {
		logger.Warn("provisioning retries exhausted")
		if err := o.failOrder(ctx, order, "provisioning retries exhausted: "+provErr.Error(), "RETRIES_EXHAUSTED"); err != nil {
			logger.WithError(err).Error("failed to finalize exhausted order")
		}
		return
	}

	delay := domain.OrderRetryDelay(retriesConsumed)
	nextRetryAt := o.now().Add(delay)
	if err := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderRetryScheduled, domain.OrderRetryScheduledPayload{
		RetryCount:  retriesConsumed,
		NextRetryAt: nextRetryAt,
		Reason:      provErr.Error(),
		Code:        providerErrorCode(provErr),
	}, order.Version); err != nil {
		logger.WithError(err).Error("failed to schedule retry")
		return
	}

	if o.metrics != nil {
		o.metrics.RecordRetryScheduled()
	}
	logger.WithFields(log.Fields{
		"delay":         delay.String(),
		"next_retry_at": nextRetryAt,
	}).Info("provisioning retry scheduled")
}

// failOrder закрывает заказ с ошибкой и освобождает резерв B2B клиента.
func (o *Orchestrator) failOrder(ctx context.Context, order domain.Order, reason, code string) error {
	if err := o.appendEvent(ctx, domain.AggregateOrder, order.ID, domain.EventOrderFailed, domain.OrderFailurePayload{
		Reason: reason,
		Code:   code,
	}, order.Version); err != nil {
		return err
	}

	if order.Type == domain.OrderTypeB2B && order.AmountMinor > 0 {
		if _, err := o.ledger.Release(ctx, order.CustomerID, order.AmountMinor, order.ID); err != nil {
			o.logger.WithError(err).WithField("order_id", order.ID).Error("failed to release reserved funds")
		}
	}

	if o.metrics != nil {
		o.metrics.RecordFailed()
	}
	o.enqueueNotification(order.ID, domain.EventOrderFailed, map[string]interface{}{
		"order_id": order.ID,
		"reason":   reason,
	})
	return nil
}

func (o *Orchestrator) getOrder(ctx context.Context, orderID string) (domain.Order, error) {
	events, err := o.events.Load(ctx, domain.AggregateOrder, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.ReplayOrder(events)
}

func (o *Orchestrator) appendEvent(ctx context.Context, aggType domain.AggregateType, aggID string, eventType domain.EventType, payload interface{}, expectedVersion int64) error {
	event, err := domain.NewEvent(aggType, aggID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := o.events.Append(ctx, event, expectedVersion); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}

func (o *Orchestrator) enqueueNotification(orderID string, eventType domain.EventType, payload map[string]interface{}) {
	if o.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithField("event", eventType).Error("marshal notification payload failed")
		return
	}
	if _, err := o.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: string(domain.AggregateOrder),
		AggregateID:   orderID,
		EventType:     string(eventType),
		Payload:       data,
	}); err != nil {
		o.logger.WithError(err).WithField("event", eventType).Error("enqueue notification failed")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

func providerErrorCode(err error) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
