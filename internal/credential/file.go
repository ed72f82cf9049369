package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fileRecord is the camelCase on-disk shape for the file store variant
// (spec.md §6 "For the file store, fields are camelCase").
type fileRecord struct {
	AccessToken   string `json:"accessToken,omitempty"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	ProfileArn    string `json:"profileArn,omitempty"`
	Region        string `json:"region,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	ClientIDHash  string `json:"clientIdHash,omitempty"`
}

// FileStore is the flat-file Credential Store variant. Path may name a
// single JSON file (one record, keyed by its base filename) or a directory
// of *.json files (one record per file, keyed by base filename), which lets
// a single deployment configuration pool several desktop-refresh accounts
// without an embedded database.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Kind() string { return KindFile }

func (s *FileStore) files() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("credential: stat %s: %w", s.path, err)
	}
	if !info.IsDir() {
		return []string{s.path}, nil
	}
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("credential: read dir %s: %w", s.path, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(s.path, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func keyForFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func decodeFileRecord(key string, data []byte) (Record, error) {
	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return Record{}, fmt.Errorf("credential: parsing file record %s: %w", key, err)
	}
	rec := Record{
		Key:          key,
		RefreshToken: fr.RefreshToken,
		AccessToken:  fr.AccessToken,
		ProfileArn:   fr.ProfileArn,
		Region:       fr.Region,
		ClientID:     fr.ClientID,
		ClientSecret: fr.ClientSecret,
	}
	if fr.ExpiresAt != "" {
		t, err := parseFlexibleRFC3339(fr.ExpiresAt)
		if err != nil {
			return Record{}, fmt.Errorf("credential: parsing expiresAt for %s: %w", key, err)
		}
		rec.ExpiresAt = t
	}
	rec.Mechanism = DetectMechanism(rec)
	return rec, nil
}

func encodeFileRecord(rec Record) ([]byte, error) {
	fr := fileRecord{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ProfileArn:   rec.ProfileArn,
		Region:       rec.Region,
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
	}
	if !rec.ExpiresAt.IsZero() {
		fr.ExpiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return json.MarshalIndent(fr, "", "  ")
}

func (s *FileStore) LoadAll(ctx context.Context) ([]Record, error) {
	paths, err := s.files()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("credential: reading %s: %w", p, err)
		}
		rec, err := decodeFileRecord(keyForFile(p), data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *FileStore) pathForKey(key string) (string, error) {
	paths, err := s.files()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if keyForFile(p) == key {
			return p, nil
		}
	}
	return "", ErrNotFound
}

func (s *FileStore) LoadByKey(ctx context.Context, key string) (Record, error) {
	p, err := s.pathForKey(key)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Record{}, fmt.Errorf("credential: reading %s: %w", p, err)
	}
	return decodeFileRecord(key, data)
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	p, err := s.pathForKey(rec.Key)
	if err != nil {
		if err == ErrNotFound {
			return ErrNoSuchKeyToUpdate
		}
		return err
	}
	data, err := encodeFileRecord(rec)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credential: writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, p)
}

// parseFlexibleRFC3339 accepts RFC3339 timestamps with either a numeric
// offset or a bare "Z" suffix (spec.md §6: "RFC 3339, Z-suffix accepted").
func parseFlexibleRFC3339(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
