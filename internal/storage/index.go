package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IndexBackend is a durable home for validation records.
type IndexBackend interface {
	FindValidation(ctx context.Context, key string) ([]ValidationRecord, error)
	InsertValidation(ctx context.Context, record ValidationRecord) (string, error)
}

// Index is the secondary index shared by the validator and the read path.
// Records never change once written, so a hit in the in-memory cache is
// always current.
type Index struct {
	backend IndexBackend
	cache   *lru.Cache[string, ValidationRecord]
}

const DefaultIndexCacheSize = 4096

func NewIndex(backend IndexBackend, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultIndexCacheSize
	}

	cache, err := lru.New[string, ValidationRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}

	return &Index{
		backend: backend,
		cache:   cache,
	}, nil
}

func (i *Index) Find(ctx context.Context, key string) ([]ValidationRecord, error) {
	if record, ok := i.cache.Get(key); ok {
		return []ValidationRecord{record}, nil
	}

	records, err := i.backend.FindValidation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find validation record: %w", err)
	}

	if len(records) > 0 {
		i.cache.Add(key, records[0])
	}

	return records, nil
}

func (i *Index) Insert(ctx context.Context, record ValidationRecord) (string, error) {
	id, err := i.backend.InsertValidation(ctx, record)
	if err != nil {
		return "", fmt.Errorf("failed to insert validation record: %w", err)
	}

	record.ID = id
	i.cache.Add(record.Key, record)

	return id, nil
}
