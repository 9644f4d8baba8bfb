package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/models"
)

// MemoryStore keeps documents in process. It backs local development and the
// handler tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]models.Document
	order       map[string][]string
	nowFunc     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]models.Document),
		order:       make(map[string][]string),
		nowFunc:     time.Now,
	}
}

func (m *MemoryStore) List(ctx context.Context, collection string, filters map[string]interface{}) ([]models.Document, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := []models.Document{}
	for _, id := range m.order[collection] {
		doc := m.collections[collection][id]
		if !Matches(doc, filters) {
			continue
		}
		clone, err := doc.Clone()
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		docs = append(docs, clone)
	}
	return docs, len(docs), nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return doc.Clone()
}

func (m *MemoryStore) Create(ctx context.Context, collection string, data models.Document) (models.Document, error) {
	doc, err := data.Fields().Clone()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	now := m.nowFunc().UTC().Format(time.RFC3339Nano)
	doc[models.FieldID] = id
	doc[models.FieldCreatedAt] = now
	doc[models.FieldUpdatedAt] = now

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]models.Document)
	}
	m.collections[collection][id] = doc
	m.order[collection] = append(m.order[collection], id)
	return doc.Clone()
}

// Update merges data into the stored document.
func (m *MemoryStore) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	patch, err := data.Fields().Clone()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, notFound(collection, id)
	}
	for k, v := range patch {
		doc[k] = v
	}
	doc[models.FieldUpdatedAt] = m.nowFunc().UTC().Format(time.RFC3339Nano)
	return doc.Clone()
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection][id]; !ok {
		return notFound(collection, id)
	}
	delete(m.collections[collection], id)
	ids := m.order[collection]
	for i, existing := range ids {
		if existing == id {
			m.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Collections lists the names that hold at least one document.
func (m *MemoryStore) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.collections))
	for name, docs := range m.collections {
		if len(docs) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// notFound mirrors what the hosted store reports for a missing id.
func notFound(collection, id string) error {
	return apperr.Upstream(target, 404, "document "+id+" not found in "+collection)
}
