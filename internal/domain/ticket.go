package domain

import (
	"fmt"
	"time"
)

// TicketStatus описывает жизненный цикл тикета поддержки.
type TicketStatus string

const (
	TicketStatusOpen              TicketStatus = "open"
	TicketStatusInProgress        TicketStatus = "in_progress"
	TicketStatusWaitingOnCustomer TicketStatus = "waiting_on_customer"
	TicketStatusResolved          TicketStatus = "resolved"
	TicketStatusClosed            TicketStatus = "closed"
)

// TicketPriority — приоритет тикета.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityNormal TicketPriority = "normal"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// ticketTransitions — таблица легальных переходов. closed достижим
// напрямую из любого активного статуса (закрытие агентом или клиентом).
var ticketTransitions = map[TicketStatus]map[TicketStatus]bool{
	TicketStatusOpen: {
		TicketStatusInProgress: true,
		TicketStatusClosed:     true,
	},
	TicketStatusInProgress: {
		TicketStatusWaitingOnCustomer: true,
		TicketStatusResolved:          true,
		TicketStatusClosed:            true,
	},
	TicketStatusWaitingOnCustomer: {
		TicketStatusInProgress: true,
		TicketStatusResolved:   true,
		TicketStatusClosed:     true,
	},
	TicketStatusResolved: {
		TicketStatusClosed: true,
		// Клиентский ответ на resolved тикет возвращает его в работу.
		TicketStatusInProgress: true,
	},
}

// CanTransitionTo проверяет легальность перехода статуса тикета.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	return ticketTransitions[s][next]
}

// CanAddMessage разрешает сообщения только в активных статусах.
// Правило одно для обоих каналов записи — авторизованного клиента
// и гостевого по подписанной ссылке.
func (s TicketStatus) CanAddMessage() bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusWaitingOnCustomer:
		return true
	default:
		return false
	}
}

// Типы событий лога тикета.
const (
	EventTicketOpened        EventType = "ticket.opened"
	EventTicketStatusChanged EventType = "ticket.status_changed"
	EventTicketAssigned      EventType = "ticket.assigned"
	EventTicketPrioritySet   EventType = "ticket.priority_set"
	EventTicketMessageAdded  EventType = "ticket.message_added"
)

// TicketOpenedPayload фиксирует создание тикета.
type TicketOpenedPayload struct {
	CustomerID string         `json:"customer_id,omitempty"`
	GuestEmail string         `json:"guest_email,omitempty"`
	Subject    string         `json:"subject"`
	Priority   TicketPriority `json:"priority,omitempty"`
}

// TicketStatusChangedPayload — смена статуса.
type TicketStatusChangedPayload struct {
	Status TicketStatus `json:"status"`
}

// TicketAssignedPayload — назначение агента.
type TicketAssignedPayload struct {
	AssignedTo string `json:"assigned_to"`
}

// TicketPriorityPayload — смена приоритета.
type TicketPriorityPayload struct {
	Priority TicketPriority `json:"priority"`
}

// TicketMessagePayload — добавленное сообщение.
type TicketMessagePayload struct {
	MessageID  string `json:"message_id"`
	AuthorID   string `json:"author_id,omitempty"`
	AuthorType string `json:"author_type"` // customer | guest | agent
	Body       string `json:"body"`
}

// TicketMessage — сообщение в треде тикета.
type TicketMessage struct {
	ID         string
	AuthorID   string
	AuthorType string
	Body       string
	CreatedAt  time.Time
}

// Ticket — проекция агрегата тикета.
type Ticket struct {
	ID         string
	CustomerID string
	GuestEmail string
	Subject    string
	Status     TicketStatus
	Priority   TicketPriority
	AssignedTo string
	Messages   []TicketMessage
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReplayTicket сворачивает события лога в текущее состояние тикета.
func ReplayTicket(events []Event) (Ticket, error) {
	if len(events) == 0 {
		return Ticket{}, ErrAggregateNotFound
	}
	var ticket Ticket
	for _, event := range events {
		next, err := applyTicketEvent(ticket, event)
		if err != nil {
			return Ticket{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		ticket = next
	}
	return ticket, nil
}

func applyTicketEvent(t Ticket, e Event) (Ticket, error) {
	switch e.Type {
	case EventTicketOpened:
		var p TicketOpenedPayload
		if err := e.DecodePayload(&p); err != nil {
			return t, err
		}
		t.ID = e.AggregateID
		t.CustomerID = p.CustomerID
		t.GuestEmail = p.GuestEmail
		t.Subject = p.Subject
		t.Priority = p.Priority
		if t.Priority == "" {
			t.Priority = TicketPriorityNormal
		}
		t.Status = TicketStatusOpen
		t.CreatedAt = e.OccurredAt

	case EventTicketStatusChanged:
		var p TicketStatusChangedPayload
		if err := e.DecodePayload(&p); err != nil {
			return t, err
		}
		t.Status = p.Status

	case EventTicketAssigned:
		var p TicketAssignedPayload
		if err := e.DecodePayload(&p); err != nil {
			return t, err
		}
		t.AssignedTo = p.AssignedTo

	case EventTicketPrioritySet:
		var p TicketPriorityPayload
		if err := e.DecodePayload(&p); err != nil {
			return t, err
		}
		t.Priority = p.Priority

	case EventTicketMessageAdded:
		var p TicketMessagePayload
		if err := e.DecodePayload(&p); err != nil {
			return t, err
		}
		t.Messages = append(t.Messages, TicketMessage{
			ID:         p.MessageID,
			AuthorID:   p.AuthorID,
			AuthorType: p.AuthorType,
			Body:       p.Body,
			CreatedAt:  e.OccurredAt,
		})

	default:
		return t, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	t.Version = e.Seq
	t.UpdatedAt = e.OccurredAt
	return t, nil
}
