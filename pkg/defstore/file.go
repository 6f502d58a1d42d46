// Package defstore loads and persists CounterDefinitions (spec.md §3
// "loaded once at startup and treated as immutable"). LoadFile reads a
// JSON file; PostgresStore persists and loads definitions from Postgres,
// a supplemented feature beyond the distilled spec's file-only loading;
// FileWatcher hot-reloads a file-backed source on change.
package defstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/counterplan"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

// LoadFile reads and validates counter definitions from a JSON array file.
func LoadFile(path string) ([]model.CounterDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("defstore: read %s: %w", path, err)
	}

	var defs []model.CounterDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("defstore: parse %s: %w", path, err)
	}

	for _, d := range defs {
		if err := counterplan.Validate(d.Name, d.IndexTypeName, d.Attributes); err != nil {
			return nil, fmt.Errorf("defstore: %s: %w", path, err)
		}
	}

	return defs, nil
}

// SaveFile writes defs back to path as a formatted JSON array, used by
// tooling that edits definitions and wants FileWatcher to pick them up.
func SaveFile(path string, defs []model.CounterDefinition) error {
	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return fmt.Errorf("defstore: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("defstore: write %s: %w", path, err)
	}
	return nil
}
