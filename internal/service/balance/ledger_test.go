package balance_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mzaharenkov/esimoms/internal/domain"
	"github.com/mzaharenkov/esimoms/internal/service/balance"
	"github.com/mzaharenkov/esimoms/internal/storage/memory"
)

func newLedgerForTest() (*balance.Ledger, domain.BalanceTransactionRepository) {
	audit := memory.NewBalanceTransactionRepository()
	return balance.NewLedger(memory.NewEventStore(), audit, nil), audit
}

func TestLedgerCreditReserveDeduct(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	b, err := ledger.Credit(ctx, "cus-1", 10000, "invoice-1")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if b.BalanceMinor != 10000 || b.ReservedMinor != 0 {
		t.Fatalf("after credit balance=%d reserved=%d, want 10000/0", b.BalanceMinor, b.ReservedMinor)
	}

	b, err = ledger.Reserve(ctx, "cus-1", 3000, "ord-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if b.Available() != 7000 || b.ReservedMinor != 3000 {
		t.Fatalf("after reserve available=%d reserved=%d, want 7000/3000", b.Available(), b.ReservedMinor)
	}

	b, err = ledger.Deduct(ctx, "cus-1", 3000, "ord-1")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if b.BalanceMinor != 7000 || b.ReservedMinor != 0 {
		t.Fatalf("after deduct balance=%d reserved=%d, want 7000/0", b.BalanceMinor, b.ReservedMinor)
	}
}

func TestLedgerReleaseCompensatesReserve(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, "cus-1", 5000, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "cus-1", 5000, "ord-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	b, err := ledger.Release(ctx, "cus-1", 5000, "ord-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if b.BalanceMinor != 5000 || b.ReservedMinor != 0 {
		t.Fatalf("after release balance=%d reserved=%d, want 5000/0", b.BalanceMinor, b.ReservedMinor)
	}
}

func TestLedgerRejectsOverReserve(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, "cus-1", 1000, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "cus-1", 1001, "ord-1"); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("over-reserve err = %v, want ErrInsufficientBalance", err)
	}

	// Частичный резерв блокирует остаток.
	if _, err := ledger.Reserve(ctx, "cus-1", 800, "ord-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "cus-1", 300, "ord-2"); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("reserve beyond available err = %v, want ErrInsufficientBalance", err)
	}
}

func TestLedgerRejectsNonPositiveAmounts(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	for _, amount := range []int64{0, -100} {
		if _, err := ledger.Credit(ctx, "cus-1", amount, ""); !errors.Is(err, domain.ErrAmountNotPositive) {
			t.Errorf("Credit(%d) err = %v, want ErrAmountNotPositive", amount, err)
		}
	}
}

func TestLedgerRejectsReleaseBeyondReserved(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, "cus-1", 5000, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "cus-1", 1000, "ord-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := ledger.Release(ctx, "cus-1", 2000, "ord-1"); !errors.Is(err, domain.ErrReleaseExceedsReserved) {
		t.Fatalf("over-release err = %v, want ErrReleaseExceedsReserved", err)
	}
}

func TestLedgerWritesAuditTrail(t *testing.T) {
	ledger, audit := newLedgerForTest()
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, "cus-1", 2000, "topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "cus-1", 500, "ord-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	txs, err := audit.ListByCustomer(ctx, "cus-1", 0)
	if err != nil {
		t.Fatalf("ListByCustomer: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len(txs) = %d, want 2", len(txs))
	}
	if txs[0].Type != domain.BalanceTxReserve || txs[0].OrderID != "ord-1" {
		t.Errorf("txs[0] = %+v, want reserve for ord-1", txs[0])
	}
	if txs[1].Type != domain.BalanceTxCredit || txs[1].BalanceAfterMinor != 2000 {
		t.Errorf("txs[1] = %+v, want credit with balance_after=2000", txs[1])
	}
}

func TestLedgerConcurrentReservesNeverOverdraw(t *testing.T) {
	ledger, _ := newLedgerForTest()
	ctx := context.Background()

	if _, err := ledger.Credit(ctx, "cus-1", 1000, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, "cus-1", 100, "ord-x"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	granted := 0
	for range successes {
		granted++
	}
	if granted != 10 {
		t.Fatalf("granted reserves = %d, want exactly 10 for balance 1000 and amount 100", granted)
	}

	b, err := ledger.Get(ctx, "cus-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Available() != 0 || b.ReservedMinor != 1000 {
		t.Errorf("available=%d reserved=%d, want 0/1000", b.Available(), b.ReservedMinor)
	}
}
