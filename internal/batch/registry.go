// Package batch implements the Anthropic-style message batch registry and
// worker (spec.md §3 "Batch"), grounded on routes.py's module-level
// _anthropic_batches/_anthropic_batch_results/_anthropic_batch_tasks state
// and _run_anthropic_batch. Unlike the original's bare dicts, state here is
// owned by a Registry with its own mutex, mirroring how internal/account's
// Pool and internal/auth's Manager centralize their own mutable state.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus mirrors the Anthropic batch lifecycle's processing_status.
type ProcessingStatus string

const (
	StatusInProgress ProcessingStatus = "in_progress"
	StatusCanceling  ProcessingStatus = "canceling"
	StatusEnded      ProcessingStatus = "ended"
)

// Item is one request within a batch, keyed by the caller-supplied
// custom_id.
type Item struct {
	CustomID string
	Params   map[string]interface{}
}

// Result is one completed batch item's outcome.
type Result struct {
	CustomID string                 `json:"custom_id"`
	Result   map[string]interface{} `json:"result"`
}

// Counts tracks per-status item counts, mirroring the "counts" dict
// _run_anthropic_batch maintains.
type Counts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
}

// Batch is one message-batch job.
type Batch struct {
	ID                string
	CreatedAt         time.Time
	ProcessingStatus  ProcessingStatus
	Items             []Item

	mu       sync.Mutex
	counts   Counts
	results  []Result
	canceled bool
}

// Counts returns a snapshot of the batch's current per-status counts.
func (b *Batch) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Results returns a snapshot of the results recorded so far.
func (b *Batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, len(b.results))
	copy(out, b.results)
	return out
}

// Canceled reports whether Cancel has been called on this batch.
func (b *Batch) Canceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

func (b *Batch) recordSuccess(custom string, message map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, Result{CustomID: custom, Result: map[string]interface{}{
		"type": "succeeded", "message": message,
	}})
	b.counts.Succeeded++
	b.counts.Processing--
}

func (b *Batch) recordError(custom, errType, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, Result{CustomID: custom, Result: map[string]interface{}{
		"type": "errored",
		"error": map[string]string{"type": errType, "message": msg},
	}})
	b.counts.Errored++
	b.counts.Processing--
}

func (b *Batch) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.canceled {
		b.ProcessingStatus = StatusEnded
	}
}

// Registry holds every batch created in this process's lifetime.
// Batches do not survive a restart, matching the original's in-process
// dict-backed state (no persistence layer for batch bodies was part of
// the retrieved source).
type Registry struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

// NewRegistry constructs an empty batch registry.
func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]*Batch)}
}

// Create registers a new batch with the given items and returns it,
// already marked in_progress with every item counted as processing.
func (r *Registry) Create(items []Item) *Batch {
	b := &Batch{
		ID:               "msgbatch_" + uuidNoHyphens(),
		CreatedAt:        time.Now().UTC(),
		ProcessingStatus: StatusInProgress,
		Items:            items,
		counts:           Counts{Processing: len(items)},
	}
	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()
	return b
}

// Get looks up a batch by id.
func (r *Registry) Get(id string) (*Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	return b, ok
}

// Cancel marks a batch for cancellation. Items already dispatched to a
// worker still complete; the worker stops dispatching new ones and marks
// any remaining items canceled.
func (r *Registry) Cancel(id string) bool {
	b, ok := r.Get(id)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = true
	b.ProcessingStatus = StatusCanceling
	return true
}

func uuidNoHyphens() string {
	id := uuid.New()
	return id.String()[:8] + id.String()[9:13] + id.String()[14:18] + id.String()[19:23] + id.String()[24:]
}
