package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/gotdb/pkg/tdb"
)

// snapshotEntry is one key/value pair in an export manifest, hex-encoded so
// the manifest stays plain JSON regardless of what bytes a key or value
// holds.
type snapshotEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// snapshotManifest is the export format: a HuJSON-tolerant description of
// the store's shape plus every live key/value pair, small enough to
// hand-edit between export and import.
type snapshotManifest struct {
	HashSize uint32          `json:"hash_size"`
	Entries  []snapshotEntry `json:"entries"`
}

// runExport dumps every live key/value pair in the store at dbPath into a
// single manifest file at outPath, written atomically: a reader of outPath
// never observes a partially written file.
func runExport(dbPath, outPath string) error {
	db, err := tdb.Open(tdb.Options{
		Path:    dbPath,
		OSFlags: os.O_RDONLY,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer db.Close()

	manifest := snapshotManifest{HashSize: db.HashSize()}

	err = db.Traverse(func(key, value []byte) bool {
		manifest.Entries = append(manifest.Entries, snapshotEntry{
			Key:   hex.EncodeToString(key),
			Value: hex.EncodeToString(value),
		})

		return true
	})
	if err != nil {
		return fmt.Errorf("traversing %s: %w", dbPath, err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := atomic.WriteFile(outPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}

	fmt.Printf("exported %d entries to %s\n", len(manifest.Entries), outPath)

	return nil
}

// runImport creates (or truncates, via ClearIfFirst) dbPath and replays every
// entry from the manifest at inPath into it.
func runImport(inPath, dbPath string) error {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inPath, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("invalid manifest %s: %w", inPath, err)
	}

	var manifest snapshotManifest
	if err := json.Unmarshal(standardized, &manifest); err != nil {
		return fmt.Errorf("invalid manifest %s: %w", inPath, err)
	}

	db, err := tdb.Open(tdb.Options{
		Path:     dbPath,
		HashSize: manifest.HashSize,
		Flags:    tdb.ClearIfFirst,
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", dbPath, err)
	}
	defer db.Close()

	for _, entry := range manifest.Entries {
		key, err := hex.DecodeString(entry.Key)
		if err != nil {
			return fmt.Errorf("decoding key %q: %w", entry.Key, err)
		}

		value, err := hex.DecodeString(entry.Value)
		if err != nil {
			return fmt.Errorf("decoding value for key %q: %w", entry.Key, err)
		}

		if err := db.Store(key, value, tdb.Replace); err != nil {
			return fmt.Errorf("storing key %q: %w", entry.Key, err)
		}
	}

	fmt.Printf("imported %d entries into %s\n", len(manifest.Entries), dbPath)

	return nil
}
