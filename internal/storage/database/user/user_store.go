package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collection-gateway/internal/storage/database/query"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionName 用戶集合名稱
const CollectionName = "users"

// UserStore user 存儲實作
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的 user 存儲
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{
		collection: db.Collection(CollectionName),
	}
}

// Create 創建用戶，email 重複時回傳 ErrUserExists
func (s *UserStore) Create(ctx context.Context, u *User) error {
	if err := query.ValidateEmail(u.Email); err != nil {
		return err
	}
	u.Email = query.NormalizeEmail(u.Email)
	if u.ID.IsZero() {
		u.ID = bson.NewObjectID()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByEmail 依 email 取得用戶
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.collection.FindOne(ctx, bson.M{"email": query.NormalizeEmail(email)}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// UpdatePassword 更新密碼雜湊；temporary 表示下次登入需更換
func (s *UserStore) UpdatePassword(ctx context.Context, email, hash string, temporary bool) error {
	return s.set(ctx, email, bson.M{
		"password_hash":      hash,
		"temporary_password": temporary,
	})
}

// UpdateName 更新顯示名稱
func (s *UserStore) UpdateName(ctx context.Context, email, name string) error {
	return s.set(ctx, email, bson.M{"name": query.SafeStringValue(name)})
}

// TouchLogin 記錄最後登入時間
func (s *UserStore) TouchLogin(ctx context.Context, email string) error {
	return s.set(ctx, email, bson.M{"last_login_at": time.Now().UTC()})
}

// Delete 刪除用戶
func (s *UserStore) Delete(ctx context.Context, email string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"email": query.NormalizeEmail(email)})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List 依 email 排序列出用戶
func (s *UserStore) List(ctx context.Context, limit, offset int64) ([]*User, error) {
	opts := options.Find()
	opts.SetLimit(query.ValidateLimit(limit))
	opts.SetSkip(query.ValidateSkip(offset))
	opts.SetSort(bson.D{{Key: "email", Value: 1}})

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*User
	for cursor.Next(ctx) {
		var u User
		if err := cursor.Decode(&u); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, cursor.Err()
}

func (s *UserStore) set(ctx context.Context, email string, fields bson.M) error {
	fields["updated_at"] = time.Now().UTC()
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"email": query.NormalizeEmail(email)},
		bson.M{"$set": fields},
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}
