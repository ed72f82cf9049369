package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// DocumentClient is the minimal capability a remote document collection must
// provide for the Credential Store's document variant: {key, value} document
// access (spec.md §4.1 "a remote document collection accessed by {key,value}
// documents"). The retrieval pack carries no document-database driver
// (pymongo is Python-only and absent from the Go corpus); DocumentStore is
// written against this interface so a real driver (e.g. mongo-go-driver) can
// be substituted without touching the Auth Manager, and ships with a local
// SQLite-backed implementation satisfying it (see sqliteDocumentClient
// below), matching mongodb_store.py's {key,value} document shape.
type DocumentClient interface {
	FindByKey(ctx context.Context, key string) (value string, found bool, err error)
	ListKeys(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, key, value string) (updated bool, err error)
}

// documentPayload is the JSON document shape stored per key; it reuses the
// KV store's snake_case field names since both represent the same Credential
// Record concept (spec.md §3), merely accessed through a different store API.
type documentPayload = kvTokenPayload

// DocumentStore is the remote-document-collection Credential Store variant.
type DocumentStore struct {
	client DocumentClient
}

// NewDocumentStore wraps client as a Credential Store.
func NewDocumentStore(client DocumentClient) *DocumentStore {
	return &DocumentStore{client: client}
}

func (s *DocumentStore) Kind() string { return KindDocument }

func decodeDocument(key, raw string) (Record, error) {
	var p documentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Record{}, fmt.Errorf("credential: parsing document %s: %w", key, err)
	}
	rec := Record{
		Key:          key,
		RefreshToken: p.RefreshToken,
		AccessToken:  p.AccessToken,
		Region:       p.Region,
		ProfileArn:   p.ProfileArn,
	}
	if p.ExpiresAt != "" {
		t, err := parseFlexibleRFC3339(p.ExpiresAt)
		if err != nil {
			return Record{}, fmt.Errorf("credential: parsing expires_at for %s: %w", key, err)
		}
		rec.ExpiresAt = t
	}
	rec.Mechanism = DetectMechanism(rec)
	return rec, nil
}

func encodeDocument(rec Record) (string, error) {
	p := documentPayload{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Region:       rec.Region,
		ProfileArn:   rec.ProfileArn,
	}
	if !rec.ExpiresAt.IsZero() {
		p.ExpiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(p)
	return string(data), err
}

func (s *DocumentStore) LoadAll(ctx context.Context) ([]Record, error) {
	keys, err := s.client.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential: listing documents: %w", err)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, found, err := s.client.FindByKey(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		rec, err := decodeDocument(k, raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *DocumentStore) LoadByKey(ctx context.Context, key string) (Record, error) {
	raw, found, err := s.client.FindByKey(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return decodeDocument(key, raw)
}

func (s *DocumentStore) Save(ctx context.Context, rec Record) error {
	_, found, err := s.client.FindByKey(ctx, rec.Key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoSuchKeyToUpdate
	}
	raw, err := encodeDocument(rec)
	if err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, rec.Key, raw)
	return err
}

// sqliteDocumentClient is the default local DocumentClient, backed by a
// one-table-per-collection SQLite database. It exists so DocumentStore is
// exercisable without a live remote document database; deployments with a
// real document store implement DocumentClient directly against their driver.
type sqliteDocumentClient struct {
	db    *sql.DB
	table string
}

// NewSQLiteDocumentClient opens (creating if necessary) a local document
// collection at path/table, suitable for development and single-node
// deployments of the document Credential Store variant.
func NewSQLiteDocumentClient(path, table string) (DocumentClient, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credential: opening document store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, table)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("credential: migrating document store: %w", err)
	}
	return &sqliteDocumentClient{db: db, table: table}, nil
}

func (c *sqliteDocumentClient) FindByKey(ctx context.Context, key string) (string, bool, error) {
	var value string
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, c.table)
	err := c.db.QueryRowContext(ctx, q, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *sqliteDocumentClient) ListKeys(ctx context.Context) ([]string, error) {
	q := fmt.Sprintf(`SELECT key FROM %s`, c.table)
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *sqliteDocumentClient) Upsert(ctx context.Context, key, value string) (bool, error) {
	q := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, c.table)
	res, err := c.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
