package provider

import (
	"context"
	"testing"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

func TestMockProviderProvision(t *testing.T) {
	m := NewMockProvider()

	result, err := m.Provision(context.Background(), "pkg-1", "ord-1")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if result.ICCID == "" || result.ActivationCode == "" || result.SmdpAddress == "" {
		t.Fatalf("incomplete provision result: %+v", result)
	}
	if result.DataTotalBytes != 5*1024*1024*1024 {
		t.Errorf("DataTotalBytes = %d, want 5 GiB", result.DataTotalBytes)
	}
	if result.ExpiresAt.IsZero() {
		t.Error("ExpiresAt must be set")
	}
}

func TestMockProviderTransientFailures(t *testing.T) {
	m := NewMockProvider()
	m.FailuresBeforeSuccess = 2

	for i := 0; i < 2; i++ {
		_, err := m.Provision(context.Background(), "pkg-1", "ord-1")
		if err == nil {
			t.Fatalf("call %d: expected transient failure", i+1)
		}
		if !domain.IsRetryableProviderError(err) {
			t.Fatalf("call %d: error must be retryable: %v", i+1, err)
		}
	}

	if _, err := m.Provision(context.Background(), "pkg-1", "ord-1"); err != nil {
		t.Fatalf("third call must succeed: %v", err)
	}
	if m.ProvisionCalls != 3 {
		t.Errorf("ProvisionCalls = %d, want 3", m.ProvisionCalls)
	}
}

func TestMockProviderUsage(t *testing.T) {
	m := NewMockProvider()
	m.UsageReport = domain.UsageReport{DataUsedBytes: 1024}

	report, err := m.Usage(context.Background(), "8988-test")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if report.DataUsedBytes != 1024 {
		t.Errorf("DataUsedBytes = %d, want 1024", report.DataUsedBytes)
	}
	if report.DataTotalBytes != m.DataTotalBytes {
		t.Errorf("DataTotalBytes = %d, want default total", report.DataTotalBytes)
	}
}
