package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tonk-labs/tonk/common"
)

// FileBackend persists each document as its own file under a base
// directory. Writes go to a temp file in the same directory followed
// by os.Rename, so a crash mid-write never leaves a torn document on
// disk — the rename is atomic within a filesystem.
type FileBackend struct {
	basePath string
	mutex    sync.RWMutex
}

// NewFileBackend creates (if needed) basePath and returns a backend
// rooted there.
func NewFileBackend(basePath string) (*FileBackend, error) {
	if basePath == "" {
		basePath = "documents"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	return &FileBackend{basePath: basePath}, nil
}

func (f *FileBackend) path(id common.DocumentId) string {
	return filepath.Join(f.basePath, string(id)+".json")
}

func (f *FileBackend) Put(ctx context.Context, id common.DocumentId, data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	target := f.path(id)
	tmp, err := os.CreateTemp(f.basePath, string(id)+".tmp-*")
	if err != nil {
		return common.StorageError{Code: "put", ID: id, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.StorageError{Code: "put", ID: id, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return common.StorageError{Code: "put", ID: id, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return common.StorageError{Code: "put", ID: id, Err: err}
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return common.StorageError{Code: "put", ID: id, Err: err}
	}
	return nil
}

func (f *FileBackend) Get(ctx context.Context, id common.DocumentId) ([]byte, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFoundError(id)
		}
		return nil, common.StorageError{Code: "get", ID: id, Err: err}
	}
	return data, nil
}

func (f *FileBackend) Delete(ctx context.Context, id common.DocumentId) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return common.StorageError{Code: "delete", ID: id, Err: err}
	}
	return nil
}

func (f *FileBackend) ListIDs(ctx context.Context) ([]common.DocumentId, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, common.StorageError{Code: "list", Err: err}
	}

	ids := make([]common.DocumentId, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" || strings.Contains(name, ".tmp-") {
			continue
		}
		ids = append(ids, common.DocumentId(strings.TrimSuffix(name, ".json")))
	}
	return ids, nil
}

func (f *FileBackend) Close() error { return nil }
