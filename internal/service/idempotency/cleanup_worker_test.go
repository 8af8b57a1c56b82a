package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mzaharenkov/esimoms/internal/domain"
)

// fakeKeyRepo реализует только DeleteExpired; остальные методы
// воркером не используются.
type fakeKeyRepo struct {
	mu      sync.Mutex
	batches []int
	err     error
	calls   int
}

var _ domain.IdempotencyRepository = (*fakeKeyRepo)(nil)

func (f *fakeKeyRepo) CreateProcessing(string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (f *fakeKeyRepo) Get(string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (f *fakeKeyRepo) MarkDone(string, []byte) error {
	panic("not implemented")
}

func (f *fakeKeyRepo) MarkFailed(string, []byte) error {
	panic("not implemented")
}

func (f *fakeKeyRepo) DeleteExpired(time.Time, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeKeyRepo) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDeleteExpired_DrainsInBatches(t *testing.T) {
	t.Parallel()

	// Две полные порции и одна неполная: после неё цикл останавливается.
	repo := &fakeKeyRepo{batches: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}
	if repo.callCount() != 3 {
		t.Errorf("delete calls = %d, want 3", repo.callCount())
	}
}

func TestDeleteExpired_PropagatesRepoError(t *testing.T) {
	t.Parallel()

	repo := &fakeKeyRepo{err: errors.New("boom")}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected repo error")
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestDeleteExpired_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker := NewCleanupWorker(&fakeKeyRepo{batches: []int{5}}, WithBatchSize(5))
	if _, err := worker.DeleteExpired(ctx, time.Now().UTC()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCleanupRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &fakeKeyRepo{}
	worker := NewCleanupWorker(repo,
		WithInterval(5*time.Millisecond),
		WithBatchSize(10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	if repo.callCount() == 0 {
		t.Fatal("expected at least one cleanup run")
	}
}
