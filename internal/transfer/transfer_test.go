package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

var errCopyFailed = errors.New("copy failed")

// TestFailureMargin verifies the abort threshold: max(10, n/4).
func TestFailureMargin(t *testing.T) {
	t.Parallel()
	cases := []struct {
		items int
		want  int64
	}{
		{0, 10},
		{10, 10},
		{40, 10},
		{44, 11},
		{400, 100},
	}
	for _, c := range cases {
		if got := failureMargin(c.items); got != c.want {
			t.Errorf("failureMargin(%d) = %d, want %d", c.items, got, c.want)
		}
	}
}

// TestTransfer_AllSucceed verifies a clean batch completes in one pass.
func TestTransfer_AllSucceed(t *testing.T) {
	t.Parallel()
	engine := New(func(_ context.Context, _, _ string) error {
		return nil
	})

	items := makeItems(20)
	if fails := engine.Transfer(t.Context(), items); fails != 0 {
		t.Errorf("fails = %d, want 0", fails)
	}
	for _, item := range items {
		if item.Result != Success {
			t.Errorf("item %s = %s, want success", item.Source, item.Result)
		}
	}
}

// TestTransfer_RetriesWhileProgressing verifies items that fail once but
// succeed on retry end up succeeded.
func TestTransfer_RetriesWhileProgressing(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	attempts := make(map[string]int)

	engine := New(func(_ context.Context, source, _ string) error {
		mu.Lock()
		attempts[source]++
		n := attempts[source]
		mu.Unlock()
		if n == 1 && source == "src-3" {
			return errCopyFailed
		}
		return nil
	})

	items := makeItems(8)
	if fails := engine.Transfer(t.Context(), items); fails != 0 {
		t.Errorf("fails = %d, want 0 after retry", fails)
	}
	if FailedCount(items) != 0 {
		t.Errorf("failed count = %d, want 0", FailedCount(items))
	}
}

// TestTransfer_GivesUpWithoutProgress verifies the batch stops retrying once
// the failure count stops shrinking.
func TestTransfer_GivesUpWithoutProgress(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	attempts := 0

	engine := New(func(_ context.Context, source, _ string) error {
		if source != "src-0" {
			return nil
		}
		mu.Lock()
		attempts++
		mu.Unlock()
		return errCopyFailed
	})

	items := makeItems(4)
	if fails := engine.Transfer(t.Context(), items); fails != 1 {
		t.Errorf("fails = %d, want 1", fails)
	}

	mu.Lock()
	defer mu.Unlock()
	// One initial pass plus exactly one retry that makes no progress.
	if attempts != 2 {
		t.Errorf("attempts on permanently failing item = %d, want 2", attempts)
	}
	if items[0].Result != Failure {
		t.Errorf("item result = %s, want failure", items[0].Result)
	}
	if !errors.Is(items[0].Err, errCopyFailed) {
		t.Errorf("item error = %v, want errCopyFailed", items[0].Err)
	}
}

// TestTransfer_SuccessesSurviveFailedBatch verifies completed transfers are
// not rolled back when the batch ultimately fails.
func TestTransfer_SuccessesSurviveFailedBatch(t *testing.T) {
	t.Parallel()
	engine := New(func(_ context.Context, source, _ string) error {
		if source == "src-1" {
			return errCopyFailed
		}
		return nil
	}, WithMaxConcurrent(1))

	items := makeItems(3)
	if fails := engine.Transfer(t.Context(), items); fails != 1 {
		t.Errorf("fails = %d, want 1", fails)
	}
	if items[0].Result != Success || items[2].Result != Success {
		t.Error("succeeded items must stay succeeded")
	}
}

// TestTransfer_ContextCancelled verifies a cancelled context stops the batch
// without marking unstarted items failed.
func TestTransfer_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	engine := New(func(_ context.Context, _, _ string) error {
		return nil
	}, WithMaxConcurrent(1))

	items := makeItems(5)
	if fails := engine.Transfer(ctx, items); fails != 5 {
		t.Errorf("fails = %d, want 5 incomplete items", fails)
	}
	for _, item := range items {
		if item.Result != NotStarted {
			t.Errorf("item %s = %s, want not-started", item.Source, item.Result)
		}
	}
}

// TestResult_String covers the result names.
func TestResult_String(t *testing.T) {
	t.Parallel()
	if NotStarted.String() != "not-started" || Success.String() != "success" || Failure.String() != "failure" {
		t.Error("unexpected result names")
	}
}

func makeItems(n int) []*Item {
	items := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, &Item{
			Source:      fmt.Sprintf("src-%d", i),
			Destination: fmt.Sprintf("dst-%d", i),
		})
	}
	return items
}
