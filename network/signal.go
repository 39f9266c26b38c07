package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal is the content of the shared status file.
type Signal struct {
	Instance string    `json:"instance"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

// SignalFile shares connectivity transitions between engine instances using
// the same data directory. Writes replace the file atomically; watchers
// observe the directory and ignore their own writes.
type SignalFile struct {
	path     string
	instance string
	logger   *slog.Logger
}

// NewSignalFile creates a signal file at path. The directory must exist
// before Watch is called.
func NewSignalFile(path string) *SignalFile {
	return &SignalFile{
		path:   path,
		logger: slog.Default(),
	}
}

// Path returns the file path.
func (s *SignalFile) Path() string {
	return s.path
}

// Write publishes a transition observed by this instance.
func (s *SignalFile) Write(online bool, at time.Time) error {
	data, err := json.Marshal(Signal{Instance: s.instance, Online: online, At: at})
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".network-status-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing signal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing signal: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing signal: %w", err)
	}
	return nil
}

// Read returns the last written signal.
func (s *SignalFile) Read() (Signal, error) {
	var sig Signal
	data, err := os.ReadFile(s.path)
	if err != nil {
		return sig, err
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("decoding signal: %w", err)
	}
	return sig, nil
}

// Watch returns a channel of signals written by other instances. The
// channel is closed when ctx is done.
func (s *SignalFile) Watch(ctx context.Context) (<-chan Signal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	out := make(chan Signal, 8)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()

		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}

				sig, err := s.Read()
				if err != nil {
					s.logger.Debug("ignoring unreadable signal", "error", err)
					continue
				}
				// A rename can surface as several events for one write.
				if sig.Instance == s.instance || !sig.At.After(last) {
					continue
				}
				last = sig.At

				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("signal watcher error", "error", err)
			}
		}
	}()

	return out, nil
}
