// Package contentstore is a content-addressed blob store: blobs are keyed
// by the lowercase hex sha256 of their bytes. Large task inputs and
// off-chain results travel through it so only hashes cross the registry.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"accord/internal/logging"
)

const hashLen = 64

// IsContentHash reports whether s looks like a store key: exactly 64
// lowercase hex characters.
func IsContentHash(s string) bool {
	if len(s) != hashLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// HashOf returns the store key the given bytes would be stored under.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store persists blobs under baseDir with an LRU read cache in front.
type Store struct {
	baseDir string
	cache   *lru.Cache[string, []byte]
	logger  logging.Logger
}

// New creates a store rooted at baseDir. cacheSize bounds the number of
// blobs kept in memory; values below 1 fall back to a small default.
func New(baseDir string, cacheSize int, logger logging.Logger) (*Store, error) {
	if baseDir == "" {
		baseDir = "data/content"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	if cacheSize < 1 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create content cache: %w", err)
	}
	return &Store{baseDir: baseDir, cache: cache, logger: logging.OrNop(logger)}, nil
}

// Put stores data and returns its content hash. Writes go through a temp
// file and a rename so a crash never leaves a partial blob under its final
// key.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := HashOf(data)
	finalPath := filepath.Join(s.baseDir, key)
	if _, err := os.Stat(finalPath); err == nil {
		s.cache.Add(key, data)
		return key, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, "tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename blob: %w", err)
	}
	s.cache.Add(key, data)
	s.logger.Debug("contentstore: stored %d bytes as %s", len(data), key)
	return key, nil
}

// Get fetches a blob by content hash.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsContentHash(key) {
		return nil, fmt.Errorf("invalid content hash %q", key)
	}
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, key))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	s.cache.Add(key, data)
	return data, nil
}
