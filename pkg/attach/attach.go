// Package attach is the filesystem implementation of the local attachment
// cache: outbound media lives here between the optimistic write and the
// confirmed send (or its dismissal).
package attach

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store caches attachment payloads under a single directory.
type Store struct {
	dir string
	log *zap.Logger
}

// New ensures dir exists and returns a Store rooted there.
func New(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("attach: create dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Save writes data under a fresh name and returns its path.
func (s *Store) Save(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("attach: write: %w", err)
	}
	s.log.Debug("attachment_cached", zap.String("path", path), zap.String("size", humanize.Bytes(uint64(len(data)))))
	return path, nil
}

// Load reads a cached attachment back.
func (s *Store) Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attach: read: %w", err)
	}
	return data, nil
}

// Delete removes a cached attachment. Deleting a missing file is not an
// error; dismiss and confirm paths may race over cleanup.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("attach: delete: %w", err)
	}
	return nil
}

// List returns the paths of all cached attachments; used by the retention
// sweeper to find orphans.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(s.dir, e.Name()))
	}
	return out, nil
}
