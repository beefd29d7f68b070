package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subpay/tee-subscription-backend/interfaces"
)

// FileStore persists sealed records on the local filesystem, one file per
// record. Record keys map to file names with path separators escaped.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file-backed record store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put stores a sealed record, overwriting any previous version.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.recordPath(key)

	// Write-and-rename keeps a crash from leaving a torn record behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored sealed record",
		slog.String("key", key),
		slog.Int("size", len(data)))
	return nil
}

// Get retrieves a sealed record or ErrRecordNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.recordPath(key))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// Delete removes a record. Absent records are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.recordPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	s.log.Debug("Deleted sealed record", slog.String("key", key))
	return nil
}

// List returns all record keys with the given prefix, sorted.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		key := unescapeKey(entry.Name())
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks that the record directory exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File record store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns an identifier for logging.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI identifying this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) recordPath(key string) string {
	return filepath.Join(s.baseDir, escapeKey(key))
}

func escapeKey(key string) string {
	return strings.ReplaceAll(key, "/", "%2F")
}

func unescapeKey(name string) string {
	return strings.ReplaceAll(name, "%2F", "/")
}
