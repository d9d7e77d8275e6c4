package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"reflect"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
	"bitbucket.org/mmdatafocus/salesdock_backend/models"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
)

// kv-audit scans the record set for KV hygiene problems: records whose KV
// mirror fields drifted out of shape, and KV numbers claimed by more than
// one active record. With -fix it normalizes the structure and writes the
// set back; duplicates are only ever reported, resolving them needs a
// human decision.
func main() {
	backend := flag.String("backend", "github", "Store backend: github or mysql.")
	fix := flag.Bool("fix", false, "Normalize KV structure in place and save.")
	flag.Parse()

	ctx := context.Background()

	var entryStore store.EntryStore
	switch *backend {
	case "mysql":
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
			os.Exit(1)
		}
		entryStore = store.NewSQLStore(db)
	default:
		gh, err := store.NewGitHubStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "github store not configured: %v\n", err)
			os.Exit(1)
		}
		entryStore = gh
	}

	entries, version, err := entryStore.Read(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read entries: %v\n", err)
		os.Exit(1)
	}

	malformed := 0
	for i := range entries {
		before := models.KvListFrom(&entries[i])
		beforeScalar := entries[i].KvNummer
		models.EnsureKvStructure(&entries[i])
		if entries[i].KvNummer != beforeScalar || !reflect.DeepEqual(models.KvListFrom(&entries[i]), before) {
			malformed++
			fmt.Printf("MALFORMED %s (%s): kv structure normalized to %v\n",
				entries[i].ID, entries[i].Title, entries[i].KvNumbers)
		}
	}

	// Duplicate scan runs on the normalized set so aliases cannot hide a
	// collision.
	owners := make(map[string]string)
	duplicates := 0
	for i := range entries {
		e := &entries[i]
		if !models.IsEntryActive(e) {
			continue
		}
		for _, kv := range models.KvListFrom(e) {
			if ownerID, ok := owners[kv]; ok && ownerID != e.ID {
				duplicates++
				fmt.Printf("DUPLICATE kv=%s held by %s and %s\n", kv, ownerID, e.ID)
				continue
			}
			owners[kv] = e.ID
		}
	}

	fmt.Printf("%d entries scanned, %d malformed, %d duplicate KV claims\n", len(entries), malformed, duplicates)

	if !*fix {
		return
	}
	if malformed == 0 {
		fmt.Println("nothing to fix")
		return
	}
	if _, err := entryStore.Write(ctx, entries, version); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save normalized entries: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("saved %d normalized entries\n", malformed)
}
