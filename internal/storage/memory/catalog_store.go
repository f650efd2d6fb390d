package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

// CatalogStore keeps catalog rows in a map with the same merge law as the
// Postgres store. A batch either applies completely or not at all.
type CatalogStore struct {
	mu     sync.RWMutex
	rows   map[string]crawler.ProductRecord
	schema crawler.Schema
	policy crawler.MergePolicy
	// failOn makes UpsertBatch fail for batches containing one of the ids.
	failOn map[string]bool
}

// NewCatalogStore constructs an empty store.
func NewCatalogStore(schema crawler.Schema, policy crawler.MergePolicy) *CatalogStore {
	if schema.Name == "" {
		schema = crawler.MultiImageSchema
	}
	if policy == "" {
		policy = crawler.IncomingWins
	}
	return &CatalogStore{
		rows:   make(map[string]crawler.ProductRecord),
		schema: schema,
		policy: policy,
		failOn: make(map[string]bool),
	}
}

// FailOn makes every later batch containing id fail with crawler.ErrDB.
func (s *CatalogStore) FailOn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[id] = true
}

// EnsureSchema validates the configured layout.
func (s *CatalogStore) EnsureSchema(context.Context) error {
	if err := s.schema.Validate(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrDB, err)
	}
	return nil
}

// Schema returns the table layout.
func (s *CatalogStore) Schema() crawler.Schema { return s.schema }

// UpsertBatch merges records into the store.
func (s *CatalogStore) UpsertBatch(ctx context.Context, records []crawler.ProductRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrDB, err)
	}
	records = crawler.CollapseBatch(records, s.policy)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.ProductID == "" {
			return fmt.Errorf("%w: record without product id", crawler.ErrDB)
		}
		if s.failOn[rec.ProductID] {
			return fmt.Errorf("%w: upsert %s rejected", crawler.ErrDB, rec.ProductID)
		}
	}
	for _, rec := range records {
		s.rows[rec.ProductID] = s.project(crawler.MergeFields(s.rows[rec.ProductID], rec, s.policy))
	}
	return nil
}

// ListAll returns every record ordered by product id.
func (s *CatalogStore) ListAll(context.Context) ([]crawler.ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ProductRecord, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ListIncomplete returns ids whose model name is null, in id order. A
// parsed detail always carries a name, so only stubs qualify.
func (s *CatalogStore) ListIncomplete(ctx context.Context, limit int) ([]string, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range all {
		if rec.ModelName != nil {
			continue
		}
		ids = append(ids, rec.ProductID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// Len reports the number of stored rows.
func (s *CatalogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Close implements crawler.CatalogStore.
func (s *CatalogStore) Close() {}

// Ping always succeeds.
func (s *CatalogStore) Ping(context.Context) error { return nil }

// project drops attributes the schema has no column for.
func (s *CatalogStore) project(rec crawler.ProductRecord) crawler.ProductRecord {
	out := crawler.ProductRecord{ProductID: rec.ProductID}
	for _, col := range s.schema.Attributes() {
		out.SetField(col, rec.Field(col))
	}
	return out
}
