package storage

import (
	"context"
	"sync"

	"github.com/tonk-labs/tonk/common"
)

// Memory is an in-process Backend backed by a map. Used for tests and
// for ephemeral repositories that never persist to disk.
type Memory struct {
	mutex     sync.RWMutex
	documents map[common.DocumentId][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{documents: make(map[common.DocumentId][]byte)}
}

func (m *Memory) Put(ctx context.Context, id common.DocumentId, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	m.documents[id] = cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id common.DocumentId) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	data, ok := m.documents[id]
	if !ok {
		return nil, notFoundError(id)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *Memory) Delete(ctx context.Context, id common.DocumentId) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.documents, id)
	return nil
}

func (m *Memory) ListIDs(ctx context.Context) ([]common.DocumentId, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]common.DocumentId, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.documents = make(map[common.DocumentId][]byte)
	return nil
}
