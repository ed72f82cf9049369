package batch

import (
	"context"
	"errors"
	"testing"
)

func TestRun_AllSucceed(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}, {CustomID: "b"}, {CustomID: "c"}})

	Run(context.Background(), b, 2, func(ctx context.Context, item Item) (map[string]interface{}, error) {
		return map[string]interface{}{"role": "assistant", "content": item.CustomID}, nil
	})

	counts := b.Counts()
	if counts.Succeeded != 3 {
		t.Errorf("Succeeded: got %d, want 3", counts.Succeeded)
	}
	if counts.Processing != 0 {
		t.Errorf("Processing: got %d, want 0", counts.Processing)
	}
	if b.ProcessingStatus != StatusEnded {
		t.Errorf("ProcessingStatus: got %q, want %q", b.ProcessingStatus, StatusEnded)
	}
	if len(b.Results()) != 3 {
		t.Errorf("Results: got %d, want 3", len(b.Results()))
	}
}

func TestRun_MixedSuccessAndError(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "ok"}, {CustomID: "fail"}})

	Run(context.Background(), b, 2, func(ctx context.Context, item Item) (map[string]interface{}, error) {
		if item.CustomID == "fail" {
			return nil, errors.New("boom")
		}
		return map[string]interface{}{"ok": true}, nil
	})

	counts := b.Counts()
	if counts.Succeeded != 1 || counts.Errored != 1 {
		t.Errorf("Counts: got %+v", counts)
	}
}

func TestRun_DefaultsConcurrencyWhenNonPositive(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}})

	Run(context.Background(), b, 0, func(ctx context.Context, item Item) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	if b.Counts().Succeeded != 1 {
		t.Errorf("expected item to be processed with default concurrency, got counts %+v", b.Counts())
	}
}

func TestRun_CancelBeforeDispatchMarksRemainingCanceled(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}})
	r.Cancel(b.ID)

	Run(context.Background(), b, 1, func(ctx context.Context, item Item) (map[string]interface{}, error) {
		t.Error("process should not be called once the batch is canceled before dispatch")
		return map[string]interface{}{}, nil
	})

	counts := b.Counts()
	if counts.Canceled != 1 {
		t.Errorf("Canceled: got %d, want 1", counts.Canceled)
	}
	if counts.Processing != 0 {
		t.Errorf("Processing: got %d, want 0", counts.Processing)
	}
}
