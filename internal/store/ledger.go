package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientBalance is returned by DeductBalance when the conditional
// update affects zero rows: the user's balance is below the requested
// deduction. It mirrors mongodb_store.py's deduct_credits_atomic, whose
// $gte-guarded update either succeeds entirely or matches nothing.
var ErrInsufficientBalance = errors.New("store: insufficient balance")

// ErrUserNotFound is returned when no user row matches the given key.
var ErrUserNotFound = errors.New("store: user not found")

// User is a billing-ledger row. Balance is tracked in micro-dollars
// (1e-6 USD) so SQLite can compare and decrement it with plain integer
// arithmetic instead of parsing decimal strings; internal/billing
// converts to and from money.Decimal at the package boundary.
type User struct {
	UserID        string
	APIKeyHash    string
	BalanceMicros int64
	CreatedAt     string
	UpdatedAt     string
}

// HashAPIKey derives the lookup key stored alongside a user's balance.
// Only the hash is ever persisted, never the raw key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// GetUserByAPIKey looks up a user by the SHA-256 of their raw API key.
func (s *Store) GetUserByAPIKey(apiKey string) (*User, error) {
	return s.getUserByHash(HashAPIKey(apiKey))
}

func (s *Store) getUserByHash(hash string) (*User, error) {
	u := &User{}
	err := s.reader.QueryRow(`
		SELECT user_id, api_key_hash, balance_micros, created_at, updated_at
		FROM users WHERE api_key_hash = ?`, hash,
	).Scan(&u.UserID, &u.APIKeyHash, &u.BalanceMicros, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// UpsertUser creates a user row, or updates its api_key_hash if the
// user_id already exists, preserving its current balance. Used by the
// keys/setup CLI commands.
func (s *Store) UpsertUser(userID, apiKey string, initialBalanceMicros int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	hash := HashAPIKey(apiKey)
	result, err := s.writer.Exec(`
		UPDATE users SET api_key_hash = ?, updated_at = ? WHERE user_id = ?`,
		hash, now, userID,
	)
	if err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.writer.Exec(`
		INSERT INTO users (user_id, api_key_hash, balance_micros, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, hash, initialBalanceMicros, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// HasSufficientBalance reports whether userID's balance is at least
// requiredMicros, for the preflight credit check (spec.md §4.4).
func (s *Store) HasSufficientBalance(userID string, requiredMicros int64) (bool, error) {
	var balance int64
	err := s.reader.QueryRow(`SELECT balance_micros FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: read balance: %w", err)
	}
	return balance >= requiredMicros, nil
}

// DeductBalance atomically subtracts amountMicros from userID's balance,
// but only if the balance is sufficient, in a single conditional UPDATE
// (the SQL equivalent of mongodb_store.py's $gte-guarded update). Returns
// ErrInsufficientBalance if the condition was not met, ErrUserNotFound if
// the user row does not exist at all.
func (s *Store) DeductBalance(userID string, amountMicros int64) error {
	if amountMicros <= 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.writer.Exec(`
		UPDATE users SET balance_micros = balance_micros - ?, updated_at = ?
		WHERE user_id = ? AND balance_micros >= ?`,
		amountMicros, now, userID, amountMicros,
	)
	if err != nil {
		return fmt.Errorf("store: deduct balance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deduct balance rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, lookupErr := s.balanceExists(userID); lookupErr != nil {
		return lookupErr
	}
	return ErrInsufficientBalance
}

func (s *Store) balanceExists(userID string) (int64, error) {
	var balance int64
	err := s.reader.QueryRow(`SELECT balance_micros FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: check user existence: %w", err)
	}
	return balance, nil
}

// ListUserIDs returns every user_id in the ledger, in insertion order.
// Used by the keys/doctor CLI commands to drive internal/vault's keychain
// lookups, since the OS keychain has no native "list all entries" API.
func (s *Store) ListUserIDs() ([]string, error) {
	rows, err := s.reader.Query(`SELECT user_id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddBalance credits userID's balance by amountMicros (top-up path).
func (s *Store) AddBalance(userID string, amountMicros int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.writer.Exec(`
		UPDATE users SET balance_micros = balance_micros + ?, updated_at = ?
		WHERE user_id = ?`,
		amountMicros, now, userID,
	)
	if err != nil {
		return fmt.Errorf("store: add balance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: add balance rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
