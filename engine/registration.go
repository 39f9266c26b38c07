package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// presence is written while an engine instance is active so operators and
// peers can see which instances share a data directory.
type presence struct {
	Instance  string    `json:"instance"`
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	StartedAt time.Time `json:"started_at"`
}

type registration struct {
	path string
}

// register writes the presence file for instance under dir.
func register(dir, instance, database string, now time.Time) (*registration, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating registration directory: %w", err)
	}

	data, err := json.Marshal(presence{
		Instance:  instance,
		PID:       os.Getpid(),
		Database:  database,
		StartedAt: now,
	})
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, instance+".json")
	tmp, err := os.CreateTemp(dir, ".presence-*")
	if err != nil {
		return nil, fmt.Errorf("creating presence file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing presence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("writing presence file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("installing presence file: %w", err)
	}
	return &registration{path: path}, nil
}

func (r *registration) unregister() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing presence file: %w", err)
	}
	return nil
}
