package database

import (
	"context"

	"collection-gateway/internal/storage/database/publishresult"
	"collection-gateway/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建數據庫索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	// 用戶集合索引
	usersCollection := db.Collection(user.CollectionName)

	// 1. email 唯一索引（登入與重複檢查）
	emailIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "email", Value: 1},
		},
		Options: options.Index().SetName("email_unique_idx").SetUnique(true),
	}

	// 2. 最後登入時間索引
	lastLoginIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "last_login_at", Value: -1},
		},
		Options: options.Index().SetName("last_login_idx"),
	}

	if _, err := usersCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{emailIndex, lastLoginIndex}); err != nil {
		return err
	}

	// 發佈結果集合索引
	resultsCollection := db.Collection(publishresult.CollectionName)

	// 1. 集合 ID + 開始時間複合索引（最重要的索引）
	collectionTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "collection_id", Value: 1},
			{Key: "start_time", Value: -1},
		},
		Options: options.Index().SetName("collection_time_idx"),
	}

	// 2. 失敗的發佈（補救查詢）
	successIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "success", Value: 1},
			{Key: "start_time", Value: -1},
		},
		Options: options.Index().SetName("success_time_idx"),
	}

	_, err := resultsCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{collectionTimeIndex, successIndex})
	return err
}
