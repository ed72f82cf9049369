package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// kvTokenPayload is the snake_case on-disk shape for a token key in the
// embedded KV store (spec.md §6 "token-key payload fields (snake_case)").
type kvTokenPayload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Region       string `json:"region,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ProfileArn   string `json:"profile_arn,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// kvRegistrationPayload is the paired device-registration payload.
type kvRegistrationPayload struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region,omitempty"`
}

// DefaultTokenKeyBases are the well-known token key bases this gateway
// recognizes out of the box, grounded on original_source/kiro/auth.py's
// SQLite loader (_load_credentials_from_sqlite).
var DefaultTokenKeyBases = []string{"kirocli:odic:token", "codewhisperer:odic:token"}

// DefaultRegistrationKeyBases are the corresponding device-registration bases.
var DefaultRegistrationKeyBases = []string{"kirocli:odic:device-registration", "codewhisperer:odic:device-registration"}

// KVStore is the embedded single-file KV Credential Store variant, backed by
// SQLite (modernc.org/sqlite, pure Go, no cgo — same driver the teacher's
// internal/store package uses). Two key families coexist in one table: token
// keys and device-registration keys, paired by a shared numeric suffix
// convention ("<base>:<suffix>" <-> "<regbase>:<suffix>", falling back to the
// unsuffixed registration base).
type KVStore struct {
	db                 *sql.DB
	tokenKeyBases      []string
	registrationKeyBases []string
}

// OpenKVStore opens (creating if necessary) the KV store at path.
func OpenKVStore(path string, tokenKeyBases, registrationKeyBases []string) (*KVStore, error) {
	if len(tokenKeyBases) == 0 {
		tokenKeyBases = DefaultTokenKeyBases
	}
	if len(registrationKeyBases) == 0 {
		registrationKeyBases = DefaultRegistrationKeyBases
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credential: opening kv store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS auth_kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential: migrating kv store: %w", err)
	}
	return &KVStore{db: db, tokenKeyBases: tokenKeyBases, registrationKeyBases: registrationKeyBases}, nil
}

func (s *KVStore) Close() error { return s.db.Close() }

func (s *KVStore) Kind() string { return KindKV }

// splitSuffix splits "base:suffix" into (base, suffix), returning ("", "")
// if key does not match any configured token key base.
func (s *KVStore) splitSuffix(key string) (base, suffix string, ok bool) {
	for _, b := range s.tokenKeyBases {
		if key == b {
			return b, "", true
		}
		if strings.HasPrefix(key, b+":") {
			return b, strings.TrimPrefix(key, b+":"), true
		}
	}
	return "", "", false
}

func (s *KVStore) registrationCandidates(suffix string) []string {
	var out []string
	for _, b := range s.registrationKeyBases {
		if suffix != "" {
			out = append(out, b+":"+suffix)
		}
		out = append(out, b)
	}
	return out
}

func (s *KVStore) getRaw(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM auth_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credential: querying key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) loadRegistration(ctx context.Context, suffix string) (kvRegistrationPayload, bool, error) {
	for _, candidate := range s.registrationCandidates(suffix) {
		raw, ok, err := s.getRaw(ctx, candidate)
		if err != nil {
			return kvRegistrationPayload{}, false, err
		}
		if !ok {
			continue
		}
		var reg kvRegistrationPayload
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			return kvRegistrationPayload{}, false, fmt.Errorf("credential: parsing registration %s: %w", candidate, err)
		}
		return reg, true, nil
	}
	return kvRegistrationPayload{}, false, nil
}

func (s *KVStore) decodeRecord(ctx context.Context, key, raw string) (Record, error) {
	var tok kvTokenPayload
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return Record{}, fmt.Errorf("credential: parsing token %s: %w", key, err)
	}
	rec := Record{
		Key:          key,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Region:       tok.Region,
		ProfileArn:   tok.ProfileArn,
	}
	if tok.ExpiresAt != "" {
		t, err := parseFlexibleRFC3339(tok.ExpiresAt)
		if err != nil {
			return Record{}, fmt.Errorf("credential: parsing expires_at for %s: %w", key, err)
		}
		rec.ExpiresAt = t
	}

	_, suffix, _ := s.splitSuffix(key)
	if reg, ok, err := s.loadRegistration(ctx, suffix); err != nil {
		return Record{}, err
	} else if ok {
		rec.ClientID = reg.ClientID
		rec.ClientSecret = reg.ClientSecret
		if reg.Region != "" {
			rec.Region = reg.Region
		}
	}
	rec.Mechanism = DetectMechanism(rec)
	return rec, nil
}

func (s *KVStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM auth_kv ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("credential: listing kv store: %w", err)
	}
	defer rows.Close()

	var keys []string
	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("credential: scanning kv row: %w", err)
		}
		if _, _, ok := s.splitSuffix(k); ok {
			keys = append(keys, k)
			values[k] = v
		}
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.decodeRecord(ctx, k, values[k])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *KVStore) LoadByKey(ctx context.Context, key string) (Record, error) {
	raw, ok, err := s.getRaw(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.decodeRecord(ctx, key, raw)
}

func (s *KVStore) Save(ctx context.Context, rec Record) error {
	_, ok, err := s.getRaw(ctx, rec.Key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSuchKeyToUpdate
	}
	payload := kvTokenPayload{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Region:       rec.Region,
		ProfileArn:   rec.ProfileArn,
	}
	if !rec.ExpiresAt.IsZero() {
		payload.ExpiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE auth_kv SET value = ? WHERE key = ?`, string(data), rec.Key)
	if err != nil {
		return fmt.Errorf("credential: saving key %s: %w", rec.Key, err)
	}
	return nil
}
