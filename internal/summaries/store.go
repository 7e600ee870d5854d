// Package summaries caches document summaries on disk, keyed by the
// SHA-256 of the original document. Documents shorter than the
// configured threshold are not cached.
package summaries

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const hashMapFile = "summary_hash_map.json"

// Store maps document hashes to stored summary/original file pairs.
// The on-disk hash map uses last-writer-wins with a single load,
// modify, write per update.
type Store struct {
	dir string
	// MinChars is the document length below which Put stores nothing.
	MinChars int
	logger   *slog.Logger

	mu sync.Mutex
}

// NewStore creates a summary store rooted at dir.
func NewStore(dir string, minChars int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, MinChars: minChars, logger: logger}
}

// Put stores a summary for a document and returns its id. Documents
// under MinChars are skipped with an empty id. A document already in
// the cache keeps its existing id; its summary is overwritten.
func (s *Store) Put(document, summary string) (string, error) {
	if len(document) < s.MinChars {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create summary dir: %w", err)
	}

	hashes, err := s.loadHashMap()
	if err != nil {
		return "", err
	}

	key := hashDocument(document)
	id, known := hashes[key]
	if !known {
		id = uuid.NewString()
	}

	if err := os.WriteFile(s.summaryPath(id), []byte(summary), 0o644); err != nil {
		return "", fmt.Errorf("write summary %s: %w", id, err)
	}
	if !known {
		if err := os.WriteFile(s.originalPath(id), []byte(document), 0o644); err != nil {
			return "", fmt.Errorf("write original %s: %w", id, err)
		}
		hashes[key] = id
		if err := s.writeHashMap(hashes); err != nil {
			return "", err
		}
	}

	s.logger.Debug("summary stored", "id", id, "chars", len(document), "cached", known)
	return id, nil
}

// Get returns the cached summary for a document, if any.
func (s *Store) Get(document string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes, err := s.loadHashMap()
	if err != nil {
		s.logger.Warn("summary hash map unreadable", "error", err)
		return "", false
	}
	id, ok := hashes[hashDocument(document)]
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(s.summaryPath(id))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Original returns the stored original document for a summary id.
func (s *Store) Original(id string) (string, error) {
	data, err := os.ReadFile(s.originalPath(id))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) loadHashMap() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, hashMapFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary hash map: %w", err)
	}
	hashes := map[string]string{}
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("parse summary hash map: %w", err)
	}
	return hashes, nil
}

func (s *Store) writeHashMap(hashes map[string]string) error {
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, hashMapFile), data, 0o644); err != nil {
		return fmt.Errorf("write summary hash map: %w", err)
	}
	return nil
}

func (s *Store) summaryPath(id string) string {
	return filepath.Join(s.dir, "summary-"+id+".txt")
}

func (s *Store) originalPath(id string) string {
	return filepath.Join(s.dir, "original-"+id+".txt")
}

func hashDocument(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}
