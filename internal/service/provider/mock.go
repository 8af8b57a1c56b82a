package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// MockProvider — конфигурируемая заглушка ProvisioningProvider.
// FailuresBeforeSuccess моделирует временные сбои провайдера:
// первые N вызовов Provision возвращают retryable ошибку.
type MockProvider struct {
	mu sync.Mutex

	ProvisionErr          error
	FailuresBeforeSuccess int
	UsageReport           domain.UsageReport
	UsageErr              error

	DataTotalBytes int64
	ValidityDays   int

	ProvisionCalls int
	UsageCalls     int
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		DataTotalBytes: 5 * 1024 * 1024 * 1024,
		ValidityDays:   30,
	}
}

func (m *MockProvider) Provision(ctx context.Context, packageRef, orderRef string) (domain.ProvisionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProvisionResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ProvisionCalls++
	if m.ProvisionErr != nil {
		return domain.ProvisionResult{}, m.ProvisionErr
	}
	if m.FailuresBeforeSuccess > 0 {
		m.FailuresBeforeSuccess--
		return domain.ProvisionResult{}, &domain.ProviderError{
			Code:      "TEMPORARY_UNAVAILABLE",
			Message:   "provider temporarily unavailable",
			Retryable: true,
		}
	}

	iccid := "8988" + uuid.NewString()[:16]
	return domain.ProvisionResult{
		ICCID:          iccid,
		ActivationCode: "AC-" + uuid.NewString()[:8],
		SmdpAddress:    "smdp.provider.test",
		QRCodeData:     "qr-" + iccid,
		DataTotalBytes: m.DataTotalBytes,
		ExpiresAt:      time.Now().UTC().AddDate(0, 0, m.ValidityDays),
	}, nil
}

func (m *MockProvider) Usage(ctx context.Context, iccid string) (domain.UsageReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.UsageReport{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.UsageCalls++
	if m.UsageErr != nil {
		return domain.UsageReport{}, m.UsageErr
	}
	report := m.UsageReport
	if report.DataTotalBytes == 0 {
		report.DataTotalBytes = m.DataTotalBytes
	}
	return report, nil
}

var _ domain.ProvisioningProvider = (*MockProvider)(nil)
