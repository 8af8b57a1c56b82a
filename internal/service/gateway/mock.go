package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// MockGateway — конфигурируемая заглушка PaymentGateway для тестов и
// локальной разработки. По умолчанию все операции успешны.
type MockGateway struct {
	mu sync.Mutex

	CheckoutErr  error
	VerifyStatus domain.PaymentStatus
	VerifyErr    error
	RefundStatus domain.PaymentStatus
	RefundErr    error

	CheckoutCalls int
	VerifyCalls   int
	RefundCalls   int

	// LastCheckout хранит последний запрос для проверок в тестах.
	LastCheckout domain.CheckoutRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		VerifyStatus: domain.PaymentStatusSucceeded,
		RefundStatus: domain.PaymentStatusRefunded,
	}
}

func (m *MockGateway) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CheckoutSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CheckoutCalls++
	m.LastCheckout = req
	if m.CheckoutErr != nil {
		return domain.CheckoutSession{}, m.CheckoutErr
	}

	ref := "chk_" + uuid.NewString()
	return domain.CheckoutSession{
		CheckoutURL: "https://gateway.test/checkout/" + ref,
		ProviderRef: ref,
	}, nil
}

func (m *MockGateway) Verify(ctx context.Context, providerRef string) (domain.GatewayVerification, error) {
	if err := ctx.Err(); err != nil {
		return domain.GatewayVerification{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.VerifyCalls++
	if m.VerifyErr != nil {
		return domain.GatewayVerification{}, m.VerifyErr
	}
	return domain.GatewayVerification{
		Status:        m.VerifyStatus,
		TransactionID: "txn_" + providerRef,
	}, nil
}

func (m *MockGateway) Refund(ctx context.Context, providerRef string, amountMinor int64) (domain.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.RefundResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if m.RefundErr != nil {
		return domain.RefundResult{}, m.RefundErr
	}
	return domain.RefundResult{
		Status:        m.RefundStatus,
		TransactionID: "rfnd_" + providerRef,
	}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
