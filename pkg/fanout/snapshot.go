package fanout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeSnapshot persists a terminal execution for later inspection. The
// write is atomic: temp file first, then rename into place.
func (o *Orchestrator) writeSnapshot(exec *Execution) error {
	view := exec.View()

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution snapshot: %w", err)
	}

	if err := os.MkdirAll(o.snapshotDir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	path := filepath.Join(o.snapshotDir, view.ID+".json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshot loads a persisted execution by ID.
func (o *Orchestrator) ReadSnapshot(id string) (*Execution, error) {
	data, err := os.ReadFile(filepath.Join(o.snapshotDir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &exec, nil
}

// GCSnapshots deletes snapshots older than the cutoff and returns how many
// were removed. The maintenance sweep calls this on a schedule.
func (o *Orchestrator) GCSnapshots(before time.Time) (int, error) {
	if o.snapshotDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(o.snapshotDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshot directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(before) {
			if err := os.Remove(filepath.Join(o.snapshotDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		o.logger.Info().Int("removed", removed).Msg("Pruned fan-out snapshots")
	}
	return removed, nil
}
