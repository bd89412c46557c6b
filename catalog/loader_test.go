package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

const starterCrate = `entries:
  - id: starter-crate
    name: Starter Crate
    kind: crate
    cost: "50.00"
    active: true
    outcomes:
      - {label: Points, type: points, value: 100, weight: 60}
      - {label: Small Money, type: money, value: "5.00", weight: 30}
      - {label: Big Money, type: money, value: "250.00", weight: 8}
      - {label: Jackpot, type: money, value: "10000.00", weight: 2, disabled: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "crates.yaml", starterCrate)

	entries, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.ID != "starter-crate" || !e.Active || e.Kind != KindCrate {
		t.Errorf("Unexpected entry header: %+v", e)
	}
	if !e.Cost.Equal(decimal.RequireFromString("50")) {
		t.Errorf("Expected cost 50.00, got %s", e.Cost)
	}
	if len(e.Outcomes) != 4 {
		t.Fatalf("Expected 4 outcomes, got %d", len(e.Outcomes))
	}
	if e.Outcomes[0].Type != OutcomePoints || e.Outcomes[0].Weight != 60 {
		t.Errorf("Unexpected first outcome: %+v", e.Outcomes[0])
	}
	if !e.Outcomes[1].Value.Equal(decimal.RequireFromString("5")) {
		t.Errorf("Expected small money value 5.00, got %s", e.Outcomes[1].Value)
	}
	if !e.Outcomes[3].Disabled {
		t.Error("Expected jackpot outcome to be disabled")
	}
}

func TestLoadDir_LaterFileReplacesEntry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a-base.yaml", starterCrate)
	writeFile(t, dir, "b-override.yml", `entries:
  - id: starter-crate
    name: Starter Crate v2
    cost: "40"
    active: false
    outcomes:
      - {label: Nothing, type: none, value: 0, weight: 1}
  - id: daily-wheel
    kind: wheel
    cost: 0
    active: true
    outcomes:
      - {label: Free Spin, type: free_spin, value: 1, weight: 1}
`)
	writeFile(t, dir, "notes.txt", "ignored")

	entries, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "starter-crate" || entries[0].Name != "Starter Crate v2" || entries[0].Active {
		t.Errorf("Expected override of starter-crate, got %+v", entries[0])
	}
	if entries[1].ID != "daily-wheel" || entries[1].Kind != KindWheel || entries[1].Name != "daily-wheel" {
		t.Errorf("Unexpected second entry: %+v", entries[1])
	}
}

func TestLoadDir_NoYamlFiles(t *testing.T) {
	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Error("Expected error when loading from empty directory, got nil")
	}
}

func TestLoad_NonExistentPath(t *testing.T) {
	if _, err := Load("/non/existent/catalog"); err == nil {
		t.Error("Expected error for non-existent path, got nil")
	}
}

func TestLoadFile_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name: "all outcomes disabled",
			content: `entries:
  - id: broken
    cost: 1
    active: true
    outcomes:
      - {label: Jackpot, type: money, value: 100, weight: 5, disabled: true}
`,
			wantErr: ErrNoEnabledOutcomes,
		},
		{
			name: "unknown outcome type",
			content: `entries:
  - id: broken
    cost: 1
    active: true
    outcomes:
      - {label: Gem, type: gems, value: 1, weight: 5}
`,
			wantErr: nil,
		},
		{
			name: "negative weight",
			content: `entries:
  - id: broken
    cost: 1
    active: true
    outcomes:
      - {label: Points, type: points, value: 1, weight: -5}
      - {label: Points, type: points, value: 1, weight: 5}
`,
			wantErr: ErrInvalidEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
