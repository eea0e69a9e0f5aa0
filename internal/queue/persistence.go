package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// stateSchemaVersion guards the on-disk queue state format.
const stateSchemaVersion = 1

type stateFile struct {
	SchemaVersion int        `json:"schemaVersion"`
	Messages      []*Message `json:"messages"`
	ProcessedIDs  []string   `json:"processedIds"`
	Metrics       counters   `json:"metrics"`
}

// saveState writes the queue snapshot as pretty-printed JSON with atomic
// replace.
func saveState(path string, state *stateFile) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".queue-state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync queue state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close queue state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// loadState reads a persisted snapshot. A missing file yields an empty
// state.
func loadState(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &stateFile{SchemaVersion: stateSchemaVersion}, nil
		}
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse queue state: %w", err)
	}
	return &state, nil
}
