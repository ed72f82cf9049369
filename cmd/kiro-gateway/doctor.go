package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kiroproxy/gateway/internal/config"
	"github.com/kiroproxy/gateway/internal/daemon"
	ledgerstore "github.com/kiroproxy/gateway/internal/store"
	"github.com/kiroproxy/gateway/internal/vault"
)

// cmdDoctor prints a credential/account health report: every record the
// configured Credential Store holds, its auth mechanism, and whether its
// cached access token is still live, plus which gateway users have a key
// cached in the local OS-keychain vault. It never mutates state — it is
// read-only diagnostics, grounded on the same store-selection logic
// daemon.Run uses (daemon.OpenKiroCredentialStore) so the report reflects
// exactly what 'kiro-gateway serve' would load.
func cmdDoctor(args []string) {
	fmt.Println("Kiro Gateway Doctor")
	fmt.Println("===================")
	fmt.Println()

	kcfg, err := config.LoadKiroConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Kiro surface: NOT CONFIGURED (%v)\n", err)
		fmt.Println("  set APP_API_KEY (or PROXY_API_KEY) to enable the Kiro gateway surface")
		os.Exit(1)
	}
	fmt.Printf("Kiro surface: configured, listening on port %d\n", kcfg.Port)
	fmt.Printf("Credential source: %s (%s)\n", kcfg.CredentialSource, kcfg.CredentialPath)
	fmt.Println()

	dataDir := "."
	if cfg, err := config.Load(""); err == nil {
		dataDir = daemon.DataDir(cfg)
	}

	store, kind, err := daemon.OpenKiroCredentialStore(kcfg, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential store: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Store kind: %s\n", kind)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := store.LoadAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading credential records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No accounts found in the credential store.")
	} else {
		fmt.Printf("Accounts (%d):\n", len(records))
		now := time.Now()
		for _, rec := range records {
			status := "no cached access token"
			if rec.HasAccessToken() {
				if rec.ExpiresAt.After(now) {
					status = fmt.Sprintf("access token valid, expires %s", humanize.Time(rec.ExpiresAt))
				} else {
					status = fmt.Sprintf("access token expired %s", humanize.Time(rec.ExpiresAt))
				}
			}
			region := rec.Region
			if region == "" {
				region = kcfg.Auth.DefaultRegion
			}
			fmt.Printf("  %-20s mechanism=%-15s region=%-12s %s\n", rec.Key, rec.Mechanism, region, status)
		}
	}
	fmt.Println()

	ledger, err := ledgerstore.Open(filepath.Join(dataDir, "tokenman.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening ledger store: %v\n", err)
		return
	}
	defer ledger.Close()

	userIDs, err := ledger.ListUserIDs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing ledger users: %v\n", err)
		return
	}
	if len(userIDs) == 0 {
		fmt.Println("Ledger: no gateway users stored (run 'kiro-gateway keys set <user-id>')")
		return
	}

	v := vault.New()
	cached, err := v.List(userIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing vault keys: %v\n", err)
		return
	}
	fmt.Printf("Ledger: %d user(s); %d with a key cached in the vault: %v\n", len(userIDs), len(cached), cached)
}
