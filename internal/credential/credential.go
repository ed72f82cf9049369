// Package credential implements the Credential Store (spec.md §4.1): a
// polymorphic reader/writer over credential records, with three concrete
// variants (file, embedded KV, document collection) sharing one contract.
package credential

import (
	"context"
	"errors"
	"time"
)

// Mechanism discriminates the two upstream authentication protocols.
type Mechanism string

const (
	MechanismDesktopRefresh Mechanism = "desktop-refresh"
	MechanismDeviceOAuth    Mechanism = "device-oauth"
)

// Record is one Credential Record (spec.md §3). It is immutable across its
// lifetime except that AccessToken, ExpiresAt, RefreshToken, and ProfileArn
// may be updated by a successful refresh.
type Record struct {
	Key          string
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time // zero value means "no cached access token"
	Mechanism    Mechanism
	ProfileArn   string // optional; sent only for MechanismDesktopRefresh
	Region       string // regional hint for the token-issuance endpoint
	ClientID     string // present only for MechanismDeviceOAuth
	ClientSecret string
}

// HasAccessToken reports whether the record carries a (possibly stale)
// access token.
func (r Record) HasAccessToken() bool {
	return r.AccessToken != "" && !r.ExpiresAt.IsZero()
}

// DetectMechanism tags a record as device-oauth if both client credentials
// are present, desktop-refresh otherwise (spec.md §4.3 "Mechanism detection").
func DetectMechanism(r Record) Mechanism {
	if r.ClientID != "" && r.ClientSecret != "" {
		return MechanismDeviceOAuth
	}
	return MechanismDesktopRefresh
}

// ErrNotFound is returned by LoadByKey when no record exists for the key.
var ErrNotFound = errors.New("credential: record not found")

// ErrNoSuchKeyToUpdate is returned by Save when no pre-existing key matches;
// per spec.md §4.1 "creation of new keys is not part of the contract".
var ErrNoSuchKeyToUpdate = errors.New("credential: no pre-existing key to update")

// Store is the capability set every concrete variant implements:
// {load all records, load one by key, write one by key}.
type Store interface {
	// LoadAll returns every record, ordered by key in lexicographic order so
	// that round-robin selection is deterministic across restarts.
	LoadAll(ctx context.Context) ([]Record, error)

	// LoadByKey returns the record for key, or ErrNotFound.
	LoadByKey(ctx context.Context, key string) (Record, error)

	// Save writes rec back to its Key. It must locate a pre-existing key;
	// returns ErrNoSuchKeyToUpdate if none matches.
	Save(ctx context.Context, rec Record) error

	// Kind identifies the concrete variant ("file", "kv", "document") for
	// Auth Manager behavior that differs by store kind (spec.md §4.3 step 3
	// and step 5: "If the store is a KV variant, reload...").
	Kind() string
}

const (
	KindFile     = "file"
	KindKV       = "kv"
	KindDocument = "document"
)
