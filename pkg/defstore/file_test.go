package defstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/model"
)

func sampleDefinitions() []model.CounterDefinition {
	return []model.CounterDefinition{
		{
			Name:                  "total_amount",
			IndexTypeName:         "byCountry",
			ComputationConditions: map[string]any{"country": "US"},
			Attributes:            map[string]any{"sum": map[string]any{"$sum": "$amount"}},
		},
	}
}

func TestLoadFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counters.json")

	defs := sampleDefinitions()
	if err := SaveFile(path, defs); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(got) != len(defs) {
		t.Fatalf("expected %d definitions, got %d", len(defs), len(got))
	}
	if got[0].Name != "total_amount" || got[0].IndexTypeName != "byCountry" {
		t.Errorf("unexpected round-tripped definition: %+v", got[0])
	}
}

func TestLoadFileRejectsMissingIndexType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")

	badJSON := []byte(`[{"name":"c1","indexTypeName":"","attributes":{"count":1}}]`)
	if err := os.WriteFile(path, badJSON, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected LoadFile to reject a definition with empty indexTypeName")
	}
}
