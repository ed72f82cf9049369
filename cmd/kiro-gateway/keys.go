package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/kiroproxy/gateway/internal/config"
	"github.com/kiroproxy/gateway/internal/daemon"
	"github.com/kiroproxy/gateway/internal/store"
	"github.com/kiroproxy/gateway/internal/vault"
)

// openLedgerStore opens the same billing-ledger database daemon.Run uses,
// so 'keys' operates on exactly the users 'serve' bills against.
func openLedgerStore() (*store.Store, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	dbPath := filepath.Join(daemon.DataDir(cfg), "tokenman.db")
	return store.Open(dbPath)
}

// cmdKeys manages gateway caller API keys: the raw key an operator issues
// to a user is hashed into internal/store's billing ledger (spec.md §3
// "User Record") and, for operator convenience, cached in the OS keychain
// via internal/vault so it can be retrieved later without re-deriving it
// from the one-way hash.
func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: kiro-gateway keys <list|set|delete> [user-id]")
		os.Exit(1)
	}

	st, err := openLedgerStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening ledger store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	v := vault.New()

	switch args[0] {
	case "list":
		userIDs, err := st.ListUserIDs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing users: %v\n", err)
			os.Exit(1)
		}
		if len(userIDs) == 0 {
			fmt.Println("No gateway users stored")
			return
		}
		cached, err := v.List(userIDs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error checking keychain: %v\n", err)
			os.Exit(1)
		}
		haveCached := make(map[string]bool, len(cached))
		for _, id := range cached {
			haveCached[id] = true
		}
		for _, id := range userIDs {
			if haveCached[id] {
				fmt.Printf("  %s: ****  (key cached in keychain)\n", id)
			} else {
				fmt.Printf("  %s: ****\n", id)
			}
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: kiro-gateway keys set <user-id>")
			os.Exit(1)
		}
		userID := args[1]
		fmt.Printf("Enter API key for %s (leave blank to generate one): ", userID)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		key := string(raw)
		if key == "" {
			key = "sk-kiro-" + uuid.NewString()
		}
		if err := st.UpsertUser(userID, key, 0); err != nil {
			fmt.Fprintf(os.Stderr, "error storing user in ledger: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(userID, key); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ledger updated but caching key in keychain failed: %v\n", err)
		}
		fmt.Printf("Key for %s stored. Raw key: %s\n", userID, key)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: kiro-gateway keys delete <user-id>")
			os.Exit(1)
		}
		userID := args[1]
		if err := v.Delete(userID); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting cached key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Cached key for %s removed from keychain (ledger balance and history are untouched)\n", userID)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
