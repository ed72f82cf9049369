package batch

import (
	"strings"
	"testing"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}, {CustomID: "b"}})

	if !strings.HasPrefix(b.ID, "msgbatch_") {
		t.Errorf("ID: got %q, want msgbatch_ prefix", b.ID)
	}
	if strings.Contains(strings.TrimPrefix(b.ID, "msgbatch_"), "-") {
		t.Errorf("ID: got %q, want no hyphens in the uuid portion", b.ID)
	}
	if b.ProcessingStatus != StatusInProgress {
		t.Errorf("ProcessingStatus: got %q, want %q", b.ProcessingStatus, StatusInProgress)
	}
	if b.Counts().Processing != 2 {
		t.Errorf("Processing count: got %d, want 2", b.Counts().Processing)
	}

	got, ok := r.Get(b.ID)
	if !ok || got != b {
		t.Fatalf("Get: expected to retrieve the same batch back")
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("msgbatch_nope"); ok {
		t.Error("Get: expected ok=false for an unknown id")
	}
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}})

	if !r.Cancel(b.ID) {
		t.Fatal("Cancel: expected true for a known batch")
	}
	if !b.Canceled() {
		t.Error("expected batch to be marked canceled")
	}
	if b.ProcessingStatus != StatusCanceling {
		t.Errorf("ProcessingStatus: got %q, want %q", b.ProcessingStatus, StatusCanceling)
	}
}

func TestRegistry_Cancel_NotFound(t *testing.T) {
	r := NewRegistry()
	if r.Cancel("msgbatch_nope") {
		t.Error("Cancel: expected false for an unknown id")
	}
}

func TestBatch_RecordSuccessAndError(t *testing.T) {
	r := NewRegistry()
	b := r.Create([]Item{{CustomID: "a"}, {CustomID: "b"}})

	b.recordSuccess("a", map[string]interface{}{"role": "assistant"})
	b.recordError("b", "internal_error", "boom")

	counts := b.Counts()
	if counts.Succeeded != 1 || counts.Errored != 1 || counts.Processing != 0 {
		t.Errorf("Counts: got %+v", counts)
	}

	results := b.Results()
	if len(results) != 2 {
		t.Fatalf("Results: got %d entries, want 2", len(results))
	}
}
