package obico

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// PrintState is the persisted record of the ongoing print, used to keep
// current_print_ts stable across daemon restarts.
type PrintState struct {
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

// StateStore persists one PrintState per printer as JSON.
type StateStore struct {
	path string
}

// NewStateStore builds a store writing to path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load returns the saved state, or nil when none exists.
func (s *StateStore) Load() (*PrintState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read print state: %w", err)
	}
	var ps PrintState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parse print state: %w", err)
	}
	return &ps, nil
}

// Save writes the state atomically.
func (s *StateStore) Save(ps *PrintState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write print state: %w", err)
	}
	return nil
}

// Clear removes the saved state.
func (s *StateStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// reconcilePrintTS picks the current_print_ts for a print found already
// running at startup. A saved timestamp is reused when it belongs to the
// same file and the print is past its first minute; otherwise the start is
// derived from the job history, mapping Klipper's monotonic clock to Unix
// time via the current eventtime.
func reconcilePrintTS(saved *PrintState, filename string, printDuration float64, job *HistoryJob, eventtime float64, now time.Time) int64 {
	if saved != nil && saved.Filename == filename && printDuration > 60 {
		return saved.Timestamp
	}
	if job != nil && job.Filename == filename && job.StartTime > 0 && eventtime > 0 {
		return now.Unix() - int64(eventtime-job.StartTime)
	}
	if printDuration > 0 {
		return now.Unix() - int64(printDuration)
	}
	return now.Unix()
}
