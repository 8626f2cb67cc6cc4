package keymanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// KeyringRepository 用戶 keyring 的持久化介面
type KeyringRepository interface {
	Get(ctx context.Context, email string) (*StoredKeyring, error)
	Save(ctx context.Context, keyring *StoredKeyring) error
	Delete(ctx context.Context, email string) error
	List(ctx context.Context) ([]*StoredKeyring, error)
}

// KeyringStore MongoDB 實作（keyrings collection）
type KeyringStore struct {
	collection *mongo.Collection
}

// NewKeyringStore 創建 keyring 存儲
func NewKeyringStore(db *mongo.Database) *KeyringStore {
	collection := db.Collection("keyrings")

	// email 唯一索引
	_, _ = collection.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}) // #nosec G104 -- index creation errors are not critical

	return &KeyringStore{collection: collection}
}

// Get 依 email 取得 keyring
func (ks *KeyringStore) Get(ctx context.Context, email string) (*StoredKeyring, error) {
	var doc StoredKeyring
	err := ks.collection.FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrKeyringNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keyring: %w", err)
	}
	return &doc, nil
}

// Save 保存 keyring（upsert）
func (ks *KeyringStore) Save(ctx context.Context, keyring *StoredKeyring) error {
	if keyring.UpdatedAt.IsZero() {
		keyring.UpdatedAt = time.Now()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := ks.collection.ReplaceOne(ctx, bson.M{"email": keyring.Email}, keyring, opts); err != nil {
		return fmt.Errorf("failed to save keyring: %w", err)
	}
	return nil
}

// Delete 刪除 keyring
func (ks *KeyringStore) Delete(ctx context.Context, email string) error {
	if _, err := ks.collection.DeleteOne(ctx, bson.M{"email": email}); err != nil {
		return fmt.Errorf("failed to delete keyring: %w", err)
	}
	return nil
}

// List 取得所有 keyring（依 email 排序）
func (ks *KeyringStore) List(ctx context.Context) ([]*StoredKeyring, error) {
	opts := options.Find().SetSort(bson.D{{Key: "email", Value: 1}})
	cursor, err := ks.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyrings: %w", err)
	}
	defer cursor.Close(ctx)

	var keyrings []*StoredKeyring
	if err := cursor.All(ctx, &keyrings); err != nil {
		return nil, fmt.Errorf("failed to decode keyrings: %w", err)
	}
	return keyrings, nil
}

// MemoryKeyringStore 記憶體實作（開發與測試）
type MemoryKeyringStore struct {
	mu       sync.RWMutex
	keyrings map[string]*StoredKeyring
}

// NewMemoryKeyringStore 創建記憶體 keyring 存儲
func NewMemoryKeyringStore() *MemoryKeyringStore {
	return &MemoryKeyringStore{keyrings: make(map[string]*StoredKeyring)}
}

func (m *MemoryKeyringStore) Get(_ context.Context, email string) (*StoredKeyring, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.keyrings[email]
	if !ok {
		return nil, ErrKeyringNotFound
	}
	return stored.clone(), nil
}

func (m *MemoryKeyringStore) Save(_ context.Context, keyring *StoredKeyring) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyrings[keyring.Email] = keyring.clone()
	return nil
}

func (m *MemoryKeyringStore) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyrings, email)
	return nil
}

func (m *MemoryKeyringStore) List(_ context.Context) ([]*StoredKeyring, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*StoredKeyring, 0, len(m.keyrings))
	for _, stored := range m.keyrings {
		out = append(out, stored.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}
