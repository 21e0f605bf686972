package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const storeFileExt = ".json"

// storeDocument is the on-disk form of one store.
type storeDocument struct {
	Name    string            `json:"name"`
	Entries map[string]*Entry `json:"entries"`
}

// FileStorage keeps one JSON document per store in a directory.
// This is suitable for a single process.
type FileStorage struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStorage creates a file storage rooted at dir.
// The directory is created on the first write.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

func (s *FileStorage) path(name string) string {
	return filepath.Join(s.dir, storeFileName(name))
}

// storeFileName maps a store name to a safe file name.
func storeFileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	if safe != name || strings.HasPrefix(safe, ".") {
		safe = strings.TrimLeft(safe, ".") + "-" + strconv.FormatUint(xxhash.Sum64String(name), 16)
	}
	return safe + storeFileExt
}

func entryField(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func (s *FileStorage) Open(_ context.Context, name string) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if err := s.write(&storeDocument{Name: name, Entries: map[string]*Entry{}}); err != nil {
			return nil, err
		}
	}
	return &fileStore{storage: s, name: name}, nil
}

func (s *FileStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), storeFileExt) {
			continue
		}
		doc, err := readDocument(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return nil, err
		}
		if doc != nil {
			names = append(names, doc.Name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *FileStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to delete cache file: %w", err)
}

// Close is a no-op for file storage.
func (s *FileStorage) Close() error {
	return nil
}

func (s *FileStorage) read(name string) (*storeDocument, error) {
	return readDocument(s.path(name))
}

func readDocument(path string) (*storeDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Store not created yet, not an error
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse cache file %s: %w", filepath.Base(path), err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	return &doc, nil
}

func (s *FileStorage) write(doc *storeDocument) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	// Write atomically using temp file + rename
	path := s.path(doc.Name)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

type fileStore struct {
	storage *FileStorage
	name    string
}

var errStoreDeleted = errors.New("assetcache: store was deleted")

func (f *fileStore) Match(_ context.Context, key string) (*Entry, error) {
	f.storage.mu.RLock()
	defer f.storage.mu.RUnlock()

	doc, err := f.storage.read(f.name)
	if err != nil || doc == nil {
		return nil, err
	}
	e, ok := doc.Entries[entryField(key)]
	if !ok || e.Key != key {
		return nil, nil
	}
	return e, nil
}

func (f *fileStore) Put(_ context.Context, key string, e *Entry) error {
	f.storage.mu.Lock()
	defer f.storage.mu.Unlock()

	doc, err := f.storage.read(f.name)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("put %s: %w", f.name, errStoreDeleted)
	}
	stored := e.clone()
	stored.Key = key
	doc.Entries[entryField(key)] = stored
	return f.storage.write(doc)
}
