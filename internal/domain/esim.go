package domain

import (
	"fmt"
	"time"
)

// EsimStatus описывает жизненный цикл выданного eSIM профиля.
type EsimStatus string

const (
	// EsimStatusProvisioning — профиль запрошен у провайдера, ещё не готов.
	EsimStatusProvisioning EsimStatus = "provisioning"
	// EsimStatusActive — профиль выдан и пригоден к использованию.
	EsimStatusActive EsimStatus = "active"
	// EsimStatusExpired — срок действия пакета истёк.
	EsimStatusExpired EsimStatus = "expired"
	// EsimStatusDataExhausted — пакет данных израсходован.
	EsimStatusDataExhausted EsimStatus = "data_exhausted"
)

// Типы событий лога eSIM профиля.
const (
	EventEsimProvisioned   EventType = "esim.provisioned"
	EventEsimActivated     EventType = "esim.activated"
	EventEsimUsageReported EventType = "esim.usage_reported"
	EventEsimExpired       EventType = "esim.expired"
	EventEsimExhausted     EventType = "esim.data_exhausted"
)

// EsimProvisionedPayload — результат успешного provisioning у провайдера.
type EsimProvisionedPayload struct {
	OrderID        string    `json:"order_id"`
	ICCID          string    `json:"iccid"`
	ActivationCode string    `json:"activation_code"`
	SmdpAddress    string    `json:"smdp_address,omitempty"`
	QRCodeData     string    `json:"qr_code_data,omitempty"`
	LpaString      string    `json:"lpa_string,omitempty"`
	DataTotalBytes int64     `json:"data_total_bytes"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// EsimUsagePayload — отчёт провайдера о потреблении данных.
// Отчёты могут приходить не по порядку и превышать номинальный лимит,
// поэтому значения сохраняются как есть, без клэмпинга при записи.
type EsimUsagePayload struct {
	DataUsedBytes  int64     `json:"data_used_bytes"`
	DataTotalBytes int64     `json:"data_total_bytes,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// EsimProfile — проекция агрегата eSIM профиля.
type EsimProfile struct {
	ID      string
	OrderID string
	Status  EsimStatus

	ICCID          string
	ActivationCode string
	SmdpAddress    string
	QRCodeData     string
	RawLpaString   string

	DataUsedBytes  int64
	DataTotalBytes int64

	IsActivated      bool
	ActivatedAt      time.Time
	ExpiresAt        time.Time
	LastUsageCheckAt time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingBytes клэмпит остаток на нуле при чтении: отчёт провайдера
// может превысить номинальный объём пакета.
func (p EsimProfile) RemainingBytes() int64 {
	remaining := p.DataTotalBytes - p.DataUsedBytes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsUsable — статусный предикат пригодности профиля.
func (p EsimProfile) IsUsable() bool {
	return p.Status == EsimStatusActive
}

// IsExpired — time-based предикат против ExpiresAt.
func (p EsimProfile) IsExpired(now time.Time) bool {
	if p.Status == EsimStatusExpired {
		return true
	}
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// IsDataConsumed возвращает true при нулевом остатке данных.
func (p EsimProfile) IsDataConsumed() bool {
	return p.DataTotalBytes > 0 && p.RemainingBytes() <= 0
}

// LpaString возвращает строку активации. Когда провайдер не прислал
// готовую lpa_string, собирается fallback "LPA:1$<smdp>$<activationCode>" —
// формат с долларами и литеральным префиксом LPA:1 обязан сохраняться
// в точности ради совместимости QR-кодов с реальными устройствами.
func (p EsimProfile) LpaString() string {
	if p.RawLpaString != "" {
		return p.RawLpaString
	}
	if p.SmdpAddress == "" || p.ActivationCode == "" {
		return ""
	}
	return "LPA:1$" + p.SmdpAddress + "$" + p.ActivationCode
}

// ReplayEsimProfile сворачивает события лога в текущее состояние профиля.
func ReplayEsimProfile(events []Event) (EsimProfile, error) {
	if len(events) == 0 {
		return EsimProfile{}, ErrAggregateNotFound
	}
	var profile EsimProfile
	for _, event := range events {
		next, err := applyEsimEvent(profile, event)
		if err != nil {
			return EsimProfile{}, fmt.Errorf("apply %s seq=%d: %w", event.Type, event.Seq, err)
		}
		profile = next
	}
	return profile, nil
}

func applyEsimEvent(p EsimProfile, e Event) (EsimProfile, error) {
	switch e.Type {
	case EventEsimProvisioned:
		var payload EsimProvisionedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.ID = e.AggregateID
		p.OrderID = payload.OrderID
		p.ICCID = payload.ICCID
		p.ActivationCode = payload.ActivationCode
		p.SmdpAddress = payload.SmdpAddress
		p.QRCodeData = payload.QRCodeData
		p.RawLpaString = payload.LpaString
		p.DataTotalBytes = payload.DataTotalBytes
		p.ExpiresAt = payload.ExpiresAt
		p.Status = EsimStatusActive
		p.CreatedAt = e.OccurredAt

	case EventEsimActivated:
		p.IsActivated = true
		p.ActivatedAt = e.OccurredAt

	case EventEsimUsageReported:
		var payload EsimUsagePayload
		if err := e.DecodePayload(&payload); err != nil {
			return p, err
		}
		p.DataUsedBytes = payload.DataUsedBytes
		if payload.DataTotalBytes > 0 {
			p.DataTotalBytes = payload.DataTotalBytes
		}
		p.LastUsageCheckAt = payload.CheckedAt

	case EventEsimExpired:
		p.Status = EsimStatusExpired

	case EventEsimExhausted:
		p.Status = EsimStatusDataExhausted

	default:
		return p, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}

	p.Version = e.Seq
	p.UpdatedAt = e.OccurredAt
	return p, nil
}
