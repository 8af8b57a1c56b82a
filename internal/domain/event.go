package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType определяет тип агрегата, которому принадлежит событие.
type AggregateType string

const (
	AggregateOrder       AggregateType = "order"
	AggregatePayment     AggregateType = "payment"
	AggregateBalance     AggregateType = "customer_balance"
	AggregateEsimProfile AggregateType = "esim_profile"
	AggregateTicket      AggregateType = "ticket"
	AggregateSyncJob     AggregateType = "sync_job"
)

// EventType определяет тип доменного события внутри лога агрегата.
type EventType string

// Event — неизменяемая запись в append-only логе агрегата.
// Seq нумеруется с 1 и строго возрастает внутри одного экземпляра агрегата;
// порядок лога совпадает с причинным порядком. События никогда не правятся
// и не удаляются, исправления — только компенсирующими событиями.
type Event struct {
	ID            string
	AggregateType AggregateType
	AggregateID   string
	Type          EventType
	Seq           int64
	Payload       json.RawMessage
	OccurredAt    time.Time
}

// NewEvent собирает событие с новым UUID и текущим временем.
// Seq проставляет хранилище в момент Append.
func NewEvent(aggType AggregateType, aggID string, eventType EventType, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		raw = data
	}
	return Event{
		ID:            uuid.NewString(),
		AggregateType: aggType,
		AggregateID:   aggID,
		Type:          eventType,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// DecodePayload десериализует payload события в целевую структуру.
func (e Event) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}
