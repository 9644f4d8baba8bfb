// Package docstore reaches the document database that holds patients,
// trials, matches, summaries and processing metrics.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/models"
)

// Store is collection-scoped CRUD plus an equality-filtered list.
type Store interface {
	List(ctx context.Context, collection string, filters map[string]interface{}) ([]models.Document, int, error)
	Get(ctx context.Context, collection, id string) (models.Document, error)
	Create(ctx context.Context, collection string, data models.Document) (models.Document, error)
	Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error)
	Delete(ctx context.Context, collection, id string) error
}

// Filter is one equality condition. List sends one per filters entry.
type Filter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// BuildFilters converts a filters map into equality conditions ordered by field.
func BuildFilters(filters map[string]interface{}) []Filter {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Filter, 0, len(keys))
	for _, k := range keys {
		out = append(out, Filter{Field: k, Op: "eq", Value: filters[k]})
	}
	return out
}

// Matches reports whether doc satisfies every equality filter. Values are
// compared in their JSON form so 3 and 3.0 are equal.
func Matches(doc models.Document, filters map[string]interface{}) bool {
	for field, want := range filters {
		got, ok := doc[field]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open builds the backend named by cfg.DocStoreBackend.
func Open(cfg config.Config) (Store, func() error, error) {
	switch cfg.DocStoreBackend {
	case "", "http":
		return NewHTTPStore(cfg), func() error { return nil }, nil
	case "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		store, err := OpenPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("migrating documents table: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown document store backend %q", cfg.DocStoreBackend)
	}
}
