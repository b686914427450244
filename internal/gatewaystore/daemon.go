package gatewaystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentim/agentim/internal/metrics"
)

// DaemonRecord is one entry under daemons/<name>.json: a locally-started
// agent process the gateway can check for liveness across restarts (§6).
type DaemonRecord struct {
	PID       int32     `json:"pid"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	WorkDir   string    `json:"workDir"`
	StartedAt time.Time `json:"startedAt"`
	GatewayID string    `json:"gatewayId"`
}

func (s *Store) daemonsDir() string      { return filepath.Join(s.dir, "daemons") }
func (s *Store) daemonPath(name string) string { return filepath.Join(s.daemonsDir(), name+".json") }

// SaveDaemon persists one daemon record, mode 0600, under daemons/.
func (s *Store) SaveDaemon(rec DaemonRecord) error {
	if err := os.MkdirAll(s.daemonsDir(), dirMode); err != nil {
		return fmt.Errorf("gatewaystore: failed to create daemons dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("gatewaystore: failed to marshal daemon record: %w", err)
	}
	if err := os.WriteFile(s.daemonPath(rec.Name), data, fileMode); err != nil {
		return fmt.Errorf("gatewaystore: failed to write daemon record: %w", err)
	}
	return nil
}

// RemoveDaemon deletes a daemon record. Not an error if it is already gone.
func (s *Store) RemoveDaemon(name string) error {
	if err := os.Remove(s.daemonPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gatewaystore: failed to remove daemon record: %w", err)
	}
	return nil
}

// ListDaemons reads every daemon record on disk. Corrupted entries are
// skipped rather than failing the whole listing.
func (s *Store) ListDaemons() ([]DaemonRecord, error) {
	entries, err := os.ReadDir(s.daemonsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("gatewaystore: failed to list daemons dir: %w", err)
	}

	var out []DaemonRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.daemonsDir(), e.Name()))
		if err != nil {
			continue
		}
		var rec DaemonRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReapStale removes every daemon record whose PID is no longer alive, or
// is alive but not an agentim process — never kills the process itself,
// only drops the stale bookkeeping entry (§6: "never kill an unverified
// PID").
func (s *Store) ReapStale(ctx context.Context) error {
	records, err := s.ListDaemons()
	if err != nil {
		return err
	}

	for _, rec := range records {
		live, err := metrics.VerifyDaemonProcess(ctx, rec.PID)
		if err != nil || !live {
			if removeErr := s.RemoveDaemon(rec.Name); removeErr != nil {
				return removeErr
			}
		}
	}
	return nil
}
