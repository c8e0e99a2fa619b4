package registry

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	appLog "webcal/internal/log"
	"webcal/internal/model"
)

// FileStore persists sources as a JSON array, the same format used for
// import and export.
type FileStore struct {
	Path string
}

// Load reads the stored sources. A missing file yields an empty list.
func (s FileStore) Load() ([]model.CalendarSource, error) {
	if s.Path == "" {
		return nil, errors.New("sources path is empty")
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.CalendarSource{}, nil
		}
		return nil, err
	}
	var sources []model.CalendarSource
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// Save writes sources atomically (temp file + rename) with 0600
// permissions, since the file holds credentials.
func (s FileStore) Save(sources []model.CalendarSource) error {
	if s.Path == "" {
		return errors.New("sources path is empty")
	}
	if sources == nil {
		sources = []model.CalendarSource{}
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(sources, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".webcal-sources-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.Path)
}

// Observer returns a registry observer that saves every change.
func (s FileStore) Observer() func([]model.CalendarSource) {
	return func(sources []model.CalendarSource) {
		if err := s.Save(sources); err != nil {
			appLog.Error("registry: failed to persist sources", err, "path", s.Path)
			return
		}
		appLog.Debug("registry: sources persisted", "path", s.Path, "count", len(sources))
	}
}
