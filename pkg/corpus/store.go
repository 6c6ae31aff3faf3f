// Package corpus implements the content-addressed seed store and finding
// persistence of spec §4.10: seeds are deduplicated by SHA-256, cached
// with an LRU of configurable size, and findings are written to disk as
// raw input + JSON/msgpack report twins.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/protofuzz/pkg/ferrors"
)

const defaultSeedCacheMaxSize = 1000

// Config locates a session's corpus on disk.
type Config struct {
	RootDir          string // contains seeds/ and crashes/
	SeedCacheMaxSize int
}

// Store is a session's seed corpus: content-addressed on disk, LRU-cached
// in memory.
type Store struct {
	mu      sync.Mutex
	root    string
	seedDir string
	cache   *lruCache
}

func Open(cfg Config) (*Store, error) {
	seedDir := filepath.Join(cfg.RootDir, "seeds")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return nil, err
	}
	capSize := cfg.SeedCacheMaxSize
	if capSize <= 0 {
		capSize = defaultSeedCacheMaxSize
	}
	return &Store{root: cfg.RootDir, seedDir: seedDir, cache: newLRUCache(capSize)}, nil
}

// Root returns the corpus's root directory (the parent of seeds/ and
// crashes/), e.g. for passing to SaveFinding.
func (s *Store) Root() string { return s.root }

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) seedPath(hash string) string {
	return filepath.Join(s.seedDir, hash+".bin")
}

// AddSeed stores data under its content hash if not already present.
// added is false when the seed was already known (dedup, spec §3
// invariant "Seeds are deduplicated by content SHA-256").
func (s *Store) AddSeed(data []byte) (hash string, added bool, err error) {
	hash = hashOf(data)
	path := s.seedPath(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.get(hash); ok {
		return hash, false, nil
	}
	if _, err := os.Stat(path); err == nil {
		s.cache.put(hash, data)
		return hash, false, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return "", false, ferrors.Wrap(ferrors.KindCorpusStorage, err, "write seed")
	}
	s.cache.put(hash, data)
	return hash, true, nil
}

// GetSeed fetches a seed by hash, promoting it in the LRU on a cache hit
// and loading it from disk (populating the cache) on a miss.
func (s *Store) GetSeed(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.cache.get(hash); ok {
		return data, nil
	}
	data, err := os.ReadFile(s.seedPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.KindSeedNotFound, "seed not found", map[string]any{"hash": hash})
		}
		return nil, ferrors.Wrap(ferrors.KindCorpusStorage, err, "read seed")
	}
	s.cache.put(hash, data)
	return data, nil
}

// GetCachedSeeds returns every seed currently resident in the LRU cache.
func (s *Store) GetCachedSeeds() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.snapshot()
}

// GetAllSeedIDs enumerates every seed hash persisted on disk.
func (s *Store) GetAllSeedIDs() ([]string, error) {
	entries, err := os.ReadDir(s.seedDir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".bin") {
			ids = append(ids, strings.TrimSuffix(name, ".bin"))
		}
	}
	return ids, nil
}

// writeAtomic writes data to a temp file in the same directory, then
// renames it into place, so a crash mid-write never leaves a partial seed.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
