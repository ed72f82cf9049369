// Package auth implements the Authentication Manager (spec.md §4.3): the
// mutex-serialized core that mints and refreshes upstream access tokens,
// binds them to per-request accounts, and persists refreshed credentials.
package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroproxy/gateway/internal/account"
	"github.com/kiroproxy/gateway/internal/credential"
	"github.com/kiroproxy/gateway/internal/metrics"
)

// DefaultExpiringSoonThreshold is the default "expiring-soon" window
// (spec.md §3: "default 10 minutes").
const DefaultExpiringSoonThreshold = 10 * time.Minute

// Config holds the Auth Manager's tunables.
type Config struct {
	ExpiringSoonThreshold time.Duration
	DeviceOAuthEncoding   DeviceOAuthEncoding
	DefaultRegion         string
	Fingerprint           string
	HTTPClient            *http.Client

	// DesktopRefreshURL and DeviceOAuthURL build the token-issuance endpoint
	// for a given region. Defaulted to the real Kiro/AWS SSO OIDC endpoints;
	// overridable so tests can point at an httptest server.
	DesktopRefreshURL func(region string) string
	DeviceOAuthURL    func(region string) string

	// Collector records refresh outcome counters on the teacher's existing
	// metrics surface (internal/metrics). Nil disables recording.
	Collector *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.ExpiringSoonThreshold <= 0 {
		c.ExpiringSoonThreshold = DefaultExpiringSoonThreshold
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "us-east-1"
	}
	if c.Fingerprint == "" {
		c.Fingerprint = Fingerprint()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.DesktopRefreshURL == nil {
		c.DesktopRefreshURL = func(region string) string {
			return "https://prod." + region + ".auth.desktop.kiro.dev/refreshToken"
		}
	}
	if c.DeviceOAuthURL == nil {
		c.DeviceOAuthURL = func(region string) string {
			return "https://oidc." + region + ".amazonaws.com/token"
		}
	}
	return c
}

// Manager is the Authentication Manager. The mutex serializes every
// operation that touches the pool, its cursor, per-account health, or
// credential-store I/O (spec.md §5).
type Manager struct {
	mu    sync.Mutex
	pool  *account.Pool
	store credential.Store
	cfg   Config
	log   zerolog.Logger

	nowFn func() time.Time
}

// NewManager constructs an Auth Manager over store and pool.
func NewManager(store credential.Store, pool *account.Pool, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		pool:  pool,
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log,
		nowFn: time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

// LoadAccounts reloads every record from the store and atomically replaces
// the pool's contents (spec.md §4.2 "On load, the pool replaces its
// contents atomically").
func (m *Manager) LoadAccounts(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Mechanism = credential.DetectMechanism(records[i])
	}
	m.pool.Load(records)
	return nil
}

func (m *Manager) isExpiringSoon(rec credential.Record) bool {
	if !rec.HasAccessToken() {
		return true
	}
	return !rec.ExpiresAt.After(m.now().Add(m.cfg.ExpiringSoonThreshold))
}

func (m *Manager) isExpired(rec credential.Record) bool {
	return rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(m.now())
}

// reloadOne reloads a single account's record from the store, if the store
// is a KV/document variant (spec.md §4.3 step 3: "another process may have
// written a fresher token").
func (m *Manager) reloadOne(ctx context.Context, key string) (credential.Record, bool) {
	if m.store.Kind() == credential.KindFile {
		return credential.Record{}, false
	}
	rec, err := m.store.LoadByKey(ctx, key)
	if err != nil {
		return credential.Record{}, false
	}
	rec.Mechanism = credential.DetectMechanism(rec)
	return rec, true
}

// persist writes the refreshed record back to the store, trying the active
// key first and then each other key currently in the pool, stopping at the
// first save that succeeds (spec.md §4.3 "Persistence after refresh").
func (m *Manager) persist(ctx context.Context, key string, rec credential.Record) {
	rec.Key = key
	if err := m.store.Save(ctx, rec); err == nil {
		return
	}
	for _, a := range m.pool.All() {
		if a.Record.Key == key {
			continue
		}
		candidate := rec
		candidate.Key = a.Record.Key
		if err := m.store.Save(ctx, candidate); err == nil {
			return
		}
	}
	m.log.Warn().Str("key", key).Msg("auth: could not persist refreshed credential to any known key")
}

// attemptOutcome is the explicit result sum type the central loop inspects
// in place of exception-driven control flow (spec.md §9 redesign note).
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeDegraded
	outcomeRotate
	outcomePropagate
)

// GetAccessToken is the Auth Manager's central operation (spec.md §4.3).
// sticky carries the request-scoped account binding; it is read and updated
// in place. Returns the access token and the profile identifier stored on
// the chosen account's record, whatever its mechanism; callers that must
// omit it for device-oauth accounts check Mechanism.
func (m *Manager) GetAccessToken(ctx context.Context, sticky *Sticky) (token string, profileArn string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccessTokenLocked(ctx, sticky, false)
}

// ForceRefresh bypasses the expiry check (spec.md §4.3 "force_refresh"),
// used by the HTTP Engine after a 403. Per this implementation's resolution
// of the corresponding Open Question, a forced refresh that fails still
// rotates/quarantines the account exactly like GetAccessToken.
func (m *Manager) ForceRefresh(ctx context.Context, sticky *Sticky) (token string, profileArn string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccessTokenLocked(ctx, sticky, true)
}

func (m *Manager) getAccessTokenLocked(ctx context.Context, sticky *Sticky, force bool) (string, string, error) {
	attempts := m.pool.Len()
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		forceNewAccount := attempt > 0
		stickyKey := ""
		if sticky != nil {
			stickyKey = sticky.Key
		}
		a, chosenKey := m.pool.SelectNext(forceNewAccount, stickyKey, m.now())
		if a == nil {
			return "", "", &NoAccountsError{}
		}
		if sticky != nil {
			sticky.Key = chosenKey
		}

		if !force && a.Record.HasAccessToken() && !m.isExpiringSoon(a.Record) {
			m.pool.MarkHealthy(chosenKey)
			return a.Record.AccessToken, a.Record.ProfileArn, nil
		}

		if reloaded, ok := m.reloadOne(ctx, chosenKey); ok {
			m.pool.UpdateRecord(chosenKey, reloaded)
			a, _ = m.pool.Get(chosenKey)
			if !force && a.Record.HasAccessToken() && !m.isExpiringSoon(a.Record) {
				m.pool.MarkHealthy(chosenKey)
				return a.Record.AccessToken, a.Record.ProfileArn, nil
			}
		}

		refreshed, refreshErr := m.refreshAccount(ctx, a.Record)
		if refreshErr == nil {
			m.pool.UpdateRecord(chosenKey, refreshed)
			m.pool.MarkHealthy(chosenKey)
			m.persist(ctx, chosenKey, refreshed)
			return refreshed.AccessToken, refreshed.ProfileArn, nil
		}

		if isStatus400(refreshErr) && m.store.Kind() != credential.KindFile {
			if reloaded, ok := m.reloadOne(ctx, chosenKey); ok {
				m.pool.UpdateRecord(chosenKey, reloaded)
				a, _ = m.pool.Get(chosenKey)
				refreshed2, refreshErr2 := m.refreshAccount(ctx, a.Record)
				if refreshErr2 == nil {
					m.pool.UpdateRecord(chosenKey, refreshed2)
					m.pool.MarkHealthy(chosenKey)
					m.persist(ctx, chosenKey, refreshed2)
					return refreshed2.AccessToken, refreshed2.ProfileArn, nil
				}
				if isStatus400(refreshErr2) && a.Record.HasAccessToken() && !m.isExpired(a.Record) {
					// Graceful degradation: ride the still-valid cached token.
					m.pool.MarkHealthy(chosenKey)
					return a.Record.AccessToken, a.Record.ProfileArn, nil
				}
				refreshErr = refreshErr2
			}
		}

		lastErr = refreshErr
		if m.pool.Len() > 1 {
			m.pool.MarkUnhealthy(chosenKey, m.now())
			m.log.Warn().Str("account", chosenKey).Err(refreshErr).Msg("auth: refresh failed, rotating account")
			continue
		}
		return "", "", lastErr
	}

	return "", "", lastErr
}

// Mechanism reports the auth mechanism of the pool account with the given
// credential key (typically a Sticky's Key), or "" if no such account is in
// the pool, so callers building the upstream payload can apply spec.md
// §4.5's rule that the profile identifier is omitted entirely for
// device-oauth accounts, regardless of whatever value happens to be
// stored on the record.
func (m *Manager) Mechanism(key string) credential.Mechanism {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.pool.Get(key); ok {
		return a.Record.Mechanism
	}
	return ""
}

// Region reports the account's regional hint, falling back to the
// manager's configured default region when the record doesn't carry one.
func (m *Manager) Region(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.pool.Get(key); ok && a.Record.Region != "" {
		return a.Record.Region
	}
	return m.cfg.DefaultRegion
}

// NoAccountsError is returned when the pool is empty.
type NoAccountsError struct{}

func (e *NoAccountsError) Error() string { return "auth: no accounts configured in the pool" }
