// Package publishresult 發佈結果的 MongoDB 存儲（publish_results collection）
package publishresult

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/storage/database/query"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionName 發佈結果集合名稱
const CollectionName = "publish_results"

var ErrResultNotFound = errors.New("publish result not found")

// Repository 發佈結果倉儲接口
type Repository interface {
	SavePublishResult(ctx context.Context, record collection.PublishRecord) error
	Get(ctx context.Context, id string) (*collection.PublishRecord, error)
	ListByCollection(ctx context.Context, collectionID string, limit, offset int64) ([]collection.PublishRecord, error)
}

// Store MongoDB 實作
type Store struct {
	collection *mongo.Collection
}

// NewStore 創建發佈結果存儲
func NewStore(db *mongo.Database) *Store {
	return &Store{collection: db.Collection(CollectionName)}
}

// SavePublishResult 以結果 ID upsert，同一次發佈重存不會產生重複
func (s *Store) SavePublishResult(ctx context.Context, record collection.PublishRecord) error {
	if record.ID == "" {
		return fmt.Errorf("publish result id required")
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": record.ID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save publish result: %w", err)
	}
	return nil
}

// Get 依 ID 取得發佈結果
func (s *Store) Get(ctx context.Context, id string) (*collection.PublishRecord, error) {
	var record collection.PublishRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": query.SafeStringValue(id)}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish result: %w", err)
	}
	return &record, nil
}

// ListByCollection 集合的發佈紀錄，新的在前
func (s *Store) ListByCollection(ctx context.Context, collectionID string, limit, offset int64) ([]collection.PublishRecord, error) {
	opts := options.Find()
	opts.SetLimit(query.ValidateLimit(limit))
	opts.SetSkip(query.ValidateSkip(offset))
	opts.SetSort(bson.D{{Key: "start_time", Value: -1}})

	cursor, err := s.collection.Find(ctx, bson.M{"collection_id": query.SafeStringValue(collectionID)}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish results: %w", err)
	}
	defer cursor.Close(ctx)

	records := []collection.PublishRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode publish results: %w", err)
	}
	return records, nil
}

// MemoryStore 記憶體實作
type MemoryStore struct {
	mu      sync.RWMutex
	records []collection.PublishRecord
}

// NewMemoryStore 創建記憶體發佈結果存儲
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SavePublishResult(_ context.Context, record collection.PublishRecord) error {
	if record.ID == "" {
		return fmt.Errorf("publish result id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == record.ID {
			m.records[i] = record
			return nil
		}
	}
	m.records = append(m.records, record)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*collection.PublishRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, ErrResultNotFound
}

func (m *MemoryStore) ListByCollection(_ context.Context, collectionID string, limit, offset int64) ([]collection.PublishRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := []collection.PublishRecord{}
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].CollectionID == collectionID {
			matched = append(matched, m.records[i])
		}
	}

	offset = query.ValidateSkip(offset)
	if offset >= int64(len(matched)) {
		return []collection.PublishRecord{}, nil
	}
	end := offset + query.ValidateLimit(limit)
	if end > int64(len(matched)) {
		end = int64(len(matched))
	}
	return matched[offset:end], nil
}
