package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "kiro-gateway"

// Vault provides secure storage for a gateway user's raw API key using the
// OS keychain, with fallback to environment variables. The gateway's own
// ledger (internal/store) persists only the SHA-256 hash of a user's key
// (spec.md §3 "User Record"); Vault is where the operator-facing raw key
// lives so it can be retrieved or rotated after `keys set` without having
// to re-derive it from the one-way hash.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores the raw API key issued to userID in the OS keychain.
func (v *Vault) Set(userID, key string) error {
	return keyring.Set(serviceName, userID, key)
}

// Get retrieves the raw API key for userID. It first checks the OS
// keychain, then falls back to the environment variable
// KIRO_GATEWAY_KEY_{UPPER(userID)}.
func (v *Vault) Get(userID string) (string, error) {
	secret, err := keyring.Get(serviceName, userID)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "KIRO_GATEWAY_KEY_" + strings.ToUpper(userID)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for user %q: not in keychain and %s not set", userID, envKey)
}

// Delete removes the cached raw API key for userID from the OS keychain.
// It does not touch the user's ledger row in internal/store: the balance
// and api_key_hash persist until the operator explicitly rotates or
// removes the user there.
func (v *Vault) Delete(userID string) error {
	return keyring.Delete(serviceName, userID)
}

// List reports which of the given candidate user ids currently have a
// cached key in the keychain or an environment variable fallback. The OS
// keychain has no "list all entries" API, so candidates must be supplied
// by the caller; internal/store.ListUserIDs is the usual source.
func (v *Vault) List(candidates []string) ([]string, error) {
	var present []string
	for _, userID := range candidates {
		if secret, err := keyring.Get(serviceName, userID); err == nil && secret != "" {
			present = append(present, userID)
			continue
		}
		envKey := "KIRO_GATEWAY_KEY_" + strings.ToUpper(userID)
		if val := os.Getenv(envKey); val != "" {
			present = append(present, userID)
		}
	}
	return present, nil
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://kiro-gateway/<user-id>" (preferred)
//   - "keychain:kiro-gateway/<user-id>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	// Format 1: keyring://kiro-gateway/<user-id>
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://kiro-gateway/<user-id>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	// Format 2: keychain:kiro-gateway/<user-id> (legacy)
	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"kiro-gateway/<user-id>\")", path)
		}
		return v.Get(parts[1])
	}

	// Format 3: env:VARIABLE_NAME
	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	// Format 4: file:///path/to/key
	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://kiro-gateway/<user-id>\", \"keychain:kiro-gateway/<user-id>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
