// Package account implements the Account Pool (spec.md §4.2): an ordered
// set of credential records with health state and a round-robin cursor.
//
// Pool is deliberately not internally synchronized: spec.md §5 assigns a
// single mutex, owned by the Auth Manager, to protect the pool, the cursor,
// and all per-account mutable state together with credential-store I/O.
// Callers must hold that lock for every Pool method call.
package account

import (
	"time"

	"github.com/kiroproxy/gateway/internal/credential"
)

// Account is a credential record plus mutable health state.
type Account struct {
	Record          credential.Record
	QuarantineUntil time.Time // zero means "not quarantined"
}

// Eligible reports whether the account may be selected at instant now.
func (a *Account) Eligible(now time.Time) bool {
	return a.QuarantineUntil.IsZero() || !a.QuarantineUntil.After(now)
}

// DefaultQuarantineWindow is the default cooldown applied by MarkUnhealthy.
const DefaultQuarantineWindow = 60 * time.Second

// Pool holds the ordered account sequence and the round-robin cursor.
type Pool struct {
	accounts         []*Account
	cursor           int
	quarantineWindow time.Duration
}

// NewPool constructs an empty pool. Call Load to populate it.
func NewPool(quarantineWindow time.Duration) *Pool {
	if quarantineWindow <= 0 {
		quarantineWindow = DefaultQuarantineWindow
	}
	return &Pool{cursor: -1, quarantineWindow: quarantineWindow}
}

// Load atomically replaces the pool's contents and resets the cursor to -1
// so the first selection after a reload yields index 0 (spec.md §4.2).
// Existing quarantine state is dropped along with the old records: a reload
// observes the store's current truth.
func (p *Pool) Load(records []credential.Record) {
	accounts := make([]*Account, len(records))
	for i, r := range records {
		accounts[i] = &Account{Record: r}
	}
	p.accounts = accounts
	p.cursor = -1
}

// Len returns the number of accounts currently in the pool.
func (p *Pool) Len() int { return len(p.accounts) }

// Get returns the account with the given credential key, if present.
func (p *Pool) Get(key string) (*Account, bool) {
	for _, a := range p.accounts {
		if a.Record.Key == key {
			return a, true
		}
	}
	return nil, false
}

// All returns the accounts in pool order. The caller must not mutate the
// returned slice.
func (p *Pool) All() []*Account { return p.accounts }

// SelectNext implements spec.md §4.2's select_next(force_new). stickyKey is
// the request-scoped account key (empty if unset). It returns the chosen
// account and the key that should be stored as the new request-scoped key.
func (p *Pool) SelectNext(forceNew bool, stickyKey string, now time.Time) (*Account, string) {
	if len(p.accounts) == 0 {
		return nil, ""
	}

	if !forceNew && stickyKey != "" {
		if a, ok := p.Get(stickyKey); ok && a.Eligible(now) {
			return a, stickyKey
		}
	}

	n := len(p.accounts)
	for i := 0; i < n; i++ {
		p.cursor = (p.cursor + 1) % n
		a := p.accounts[p.cursor]
		if a.Eligible(now) {
			return a, a.Record.Key
		}
	}

	// Full sweep found nothing eligible: clear all quarantines and return
	// the next account in order, guaranteeing forward progress.
	for _, a := range p.accounts {
		a.QuarantineUntil = time.Time{}
	}
	p.cursor = (p.cursor + 1) % n
	a := p.accounts[p.cursor]
	return a, a.Record.Key
}

// MarkUnhealthy quarantines the account with the given key until
// now + quarantineWindow.
func (p *Pool) MarkUnhealthy(key string, now time.Time) {
	if a, ok := p.Get(key); ok {
		a.QuarantineUntil = now.Add(p.quarantineWindow)
	}
}

// MarkHealthy clears the quarantine for the account with the given key.
func (p *Pool) MarkHealthy(key string) {
	if a, ok := p.Get(key); ok {
		a.QuarantineUntil = time.Time{}
	}
}

// UpdateRecord replaces the credential record for key in place, preserving
// health state (used after a successful refresh).
func (p *Pool) UpdateRecord(key string, rec credential.Record) {
	if a, ok := p.Get(key); ok {
		a.Record = rec
	}
}
