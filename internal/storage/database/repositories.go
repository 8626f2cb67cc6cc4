package database

import (
	"context"
	"time"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/database/publishresult"
	"collection-gateway/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

const indexTimeout = 30 * time.Second

// Repositories 倉儲集合
type Repositories struct {
	Users          user.UserRepository
	PublishResults publishresult.Repository
	Keyrings       keymanager.KeyringRepository
}

// NewRepositories 創建倉儲集合；沒有 MongoDB 連接時退回記憶體實作
func NewRepositories(db *mongo.Database) *Repositories {
	if db == nil {
		logger.LogWarnf("MongoDB 未連接，使用記憶體存儲（資料不會保留）")
		return NewMemoryRepositories()
	}

	// 創建索引以優化查詢性能
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	if err := CreateIndexes(ctx, db); err != nil {
		// 記錄錯誤但不中斷服務啟動
		logger.LogErrorf("創建索引失敗: %v", err)
	}

	return &Repositories{
		Users:          user.NewUserStore(db),
		PublishResults: publishresult.NewStore(db),
		Keyrings:       keymanager.NewKeyringStore(db),
	}
}

// NewMemoryRepositories 記憶體倉儲集合
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Users:          user.NewMemoryUserStore(),
		PublishResults: publishresult.NewMemoryStore(),
		Keyrings:       keymanager.NewMemoryKeyringStore(),
	}
}
