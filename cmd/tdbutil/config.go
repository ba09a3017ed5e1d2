package main

import (
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/gotdb/pkg/fs"
	"github.com/calvinalkan/gotdb/pkg/tdb"
)

// sidecarConfig is the optional HuJSON config read alongside a store file,
// letting flags stay terse on the command line while still supporting
// commented, human-edited defaults.
type sidecarConfig struct {
	HashSize     uint32 `json:"hash_size,omitempty"`
	ClearIfFirst bool   `json:"clear_if_first,omitempty"`
	NoMMap       bool   `json:"no_mmap,omitempty"`
	NoLock       bool   `json:"no_lock,omitempty"`
	Spinlocks    bool   `json:"spinlocks,omitempty"`
	PageSize     uint64 `json:"page_size,omitempty"`
}

// loadSidecarConfig reads path through fsys, tolerating JWCC comments and
// trailing commas. A missing path is not an error: an empty config is
// returned.
func loadSidecarConfig(fsys fs.FS, path string) (sidecarConfig, error) {
	if path == "" {
		return sidecarConfig{}, nil
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		return sidecarConfig{}, fmt.Errorf("checking config %s: %w", path, err)
	}

	if !exists {
		return sidecarConfig{}, nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return sidecarConfig{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return sidecarConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	var cfg sidecarConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return sidecarConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// openFlags folds sidecar config into flag values: each behavior is enabled
// when either the command-line flag or the config sets it, so a flag cannot
// switch off something the config enables.
func (c sidecarConfig) openFlags(clearIfFirst, noMMap, noLock, spinlocks bool) tdb.OpenFlag {
	var flags tdb.OpenFlag

	if clearIfFirst || c.ClearIfFirst {
		flags |= tdb.ClearIfFirst
	}

	if noMMap || c.NoMMap {
		flags |= tdb.NoMMap
	}

	if noLock || c.NoLock {
		flags |= tdb.NoLock
	}

	if spinlocks || c.Spinlocks {
		flags |= tdb.Spinlocks
	}

	return flags
}
