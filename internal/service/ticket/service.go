package ticket

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// Service реализует тикеты поддержки поверх лога событий.
// Тред тикета — часть агрегата: сообщения добавляются событиями
// и восстанавливаются реплеем вместе со статусом.
type Service struct {
	events domain.EventStore
	logger *log.Entry
}

// NewService создаёт сервис тикетов.
func NewService(events domain.EventStore, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "ticket")
	}
	return &Service{events: events, logger: logger}
}

// OpenRequest — параметры открытия тикета. Указывается либо CustomerID
// (авторизованный клиент), либо GuestEmail (гостевой канал).
type OpenRequest struct {
	CustomerID string
	GuestEmail string
	Subject    string
	Priority   domain.TicketPriority
	Body       string
}

// Open создаёт тикет и, если передан Body, сразу добавляет первое сообщение.
func (s *Service) Open(ctx context.Context, req OpenRequest) (domain.Ticket, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return domain.Ticket{}, fmt.Errorf("ticket subject is required")
	}
	if req.CustomerID == "" && req.GuestEmail == "" {
		return domain.Ticket{}, fmt.Errorf("ticket requires customer id or guest email")
	}

	ticketID := uuid.NewString()
	if err := s.append(ctx, ticketID, domain.EventTicketOpened, domain.TicketOpenedPayload{
		CustomerID: req.CustomerID,
		GuestEmail: req.GuestEmail,
		Subject:    req.Subject,
		Priority:   req.Priority,
	}, 0); err != nil {
		return domain.Ticket{}, err
	}

	if strings.TrimSpace(req.Body) != "" {
		authorType := "customer"
		authorID := req.CustomerID
		if req.CustomerID == "" {
			authorType = "guest"
		}
		if err := s.append(ctx, ticketID, domain.EventTicketMessageAdded, domain.TicketMessagePayload{
			MessageID:  uuid.NewString(),
			AuthorID:   authorID,
			AuthorType: authorType,
			Body:       req.Body,
		}, 1); err != nil {
			return domain.Ticket{}, err
		}
	}

	s.logger.WithFields(log.Fields{
		"ticket_id":   ticketID,
		"customer_id": req.CustomerID,
	}).Info("support ticket opened")
	return s.Get(ctx, ticketID)
}

// AddMessage добавляет сообщение в тред тикета.
// В resolved/closed тикет писать нельзя, но ответ клиента на resolved
// тикет переоткрывает его в in_progress.
func (s *Service) AddMessage(ctx context.Context, ticketID, authorID, authorType, body string) (domain.Ticket, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Ticket{}, fmt.Errorf("message body is required")
	}

	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}

	if !ticket.Status.CanAddMessage() {
		if ticket.Status == domain.TicketStatusResolved && authorType != "agent" {
			if err := s.append(ctx, ticketID, domain.EventTicketStatusChanged, domain.TicketStatusChangedPayload{
				Status: domain.TicketStatusInProgress,
			}, ticket.Version); err != nil {
				return domain.Ticket{}, err
			}
			ticket.Version++
		} else {
			return domain.Ticket{}, domain.ErrTicketClosed
		}
	}

	if err := s.append(ctx, ticketID, domain.EventTicketMessageAdded, domain.TicketMessagePayload{
		MessageID:  uuid.NewString(),
		AuthorID:   authorID,
		AuthorType: authorType,
		Body:       body,
	}, ticket.Version); err != nil {
		return domain.Ticket{}, err
	}
	return s.Get(ctx, ticketID)
}

// Assign назначает тикет агенту и переводит open тикет в работу.
func (s *Service) Assign(ctx context.Context, ticketID, agentID string) (domain.Ticket, error) {
	if strings.TrimSpace(agentID) == "" {
		return domain.Ticket{}, fmt.Errorf("agent id is required")
	}

	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := s.append(ctx, ticketID, domain.EventTicketAssigned, domain.TicketAssignedPayload{
		AssignedTo: agentID,
	}, ticket.Version); err != nil {
		return domain.Ticket{}, err
	}
	if ticket.Status == domain.TicketStatusOpen {
		if err := s.append(ctx, ticketID, domain.EventTicketStatusChanged, domain.TicketStatusChangedPayload{
			Status: domain.TicketStatusInProgress,
		}, ticket.Version+1); err != nil {
			return domain.Ticket{}, err
		}
	}
	return s.Get(ctx, ticketID)
}

// SetPriority меняет приоритет тикета.
func (s *Service) SetPriority(ctx context.Context, ticketID string, priority domain.TicketPriority) (domain.Ticket, error) {
	switch priority {
	case domain.TicketPriorityLow, domain.TicketPriorityNormal,
		domain.TicketPriorityHigh, domain.TicketPriorityUrgent:
	default:
		return domain.Ticket{}, fmt.Errorf("unknown ticket priority: %s", priority)
	}

	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := s.append(ctx, ticketID, domain.EventTicketPrioritySet, domain.TicketPriorityPayload{
		Priority: priority,
	}, ticket.Version); err != nil {
		return domain.Ticket{}, err
	}
	return s.Get(ctx, ticketID)
}

// ChangeStatus переводит тикет в новый статус по таблице переходов.
func (s *Service) ChangeStatus(ctx context.Context, ticketID string, status domain.TicketStatus) (domain.Ticket, error) {
	ticket, err := s.Get(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !ticket.Status.CanTransitionTo(status) {
		return domain.Ticket{}, domain.ErrIllegalTransition
	}
	if err := s.append(ctx, ticketID, domain.EventTicketStatusChanged, domain.TicketStatusChangedPayload{
		Status: status,
	}, ticket.Version); err != nil {
		return domain.Ticket{}, err
	}
	return s.Get(ctx, ticketID)
}

// Get восстанавливает тикет из лога событий.
func (s *Service) Get(ctx context.Context, ticketID string) (domain.Ticket, error) {
	events, err := s.events.Load(ctx, domain.AggregateTicket, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	return domain.ReplayTicket(events)
}

func (s *Service) append(ctx context.Context, ticketID string, eventType domain.EventType, payload interface{}, expectedVersion int64) error {
	event, err := domain.NewEvent(domain.AggregateTicket, ticketID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := s.events.Append(ctx, event, expectedVersion); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}
