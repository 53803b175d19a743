// Package archive keeps verified event log snapshots in content-addressed
// storage for offline verification. Blobs are keyed by their sha256 digest
// and written at most once.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/oversight/pkg/canonicalize"
	"github.com/Mindburn-Labs/oversight/pkg/eventlog"
)

// ErrNotFound is returned when no blob has the requested hash.
var ErrNotFound = errors.New("archive: not found")

// Store is content-addressed blob storage.
type Store interface {
	// Put persists data and returns its "sha256:"-prefixed content hash.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

func objectName(prefix, hash string) (string, error) {
	hexDigest, err := canonicalize.ParseHash(hash)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return prefix + hexDigest + ".json", nil
}

// PutSnapshot encodes snap and stores it.
func PutSnapshot(ctx context.Context, s Store, snap eventlog.Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := eventlog.EncodeSnapshot(&buf, snap); err != nil {
		return "", err
	}
	return s.Put(ctx, buf.Bytes())
}

// GetSnapshot loads a snapshot by hash, checks the blob against the hash
// and verifies the log it contains.
func GetSnapshot(ctx context.Context, s Store, hash string) (eventlog.Snapshot, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return eventlog.Snapshot{}, err
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return eventlog.Snapshot{}, fmt.Errorf("archive: blob %s hashes to %s", hash, got)
	}
	snap, err := eventlog.DecodeSnapshot(bytes.NewReader(data))
	if err != nil {
		return eventlog.Snapshot{}, err
	}
	if err := eventlog.VerifySnapshot(snap); err != nil {
		return eventlog.Snapshot{}, err
	}
	return snap, nil
}

// FileStore keeps blobs in a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with offline verifiers
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hash string) (string, error) {
	name, err := objectName("", hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonicalize.HashBytes(data)
	path, err := s.path(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: snapshots are readable by offline verifiers
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // name derived from a validated digest
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete: %w", err)
	}
	return nil
}

// List returns the hashes of all stored blobs.
func (s *FileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, canonicalize.HashPrefix+strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}
