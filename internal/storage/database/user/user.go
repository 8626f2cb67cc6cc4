package user

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// UserRepository 用戶倉儲接口
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, email, hash string, temporary bool) error
	UpdateName(ctx context.Context, email, name string) error
	TouchLogin(ctx context.Context, email string) error
	Delete(ctx context.Context, email string) error
	List(ctx context.Context, limit, offset int64) ([]*User, error)
}

// User 用戶數據模型，密碼只存 bcrypt 雜湊
type User struct {
	ID                bson.ObjectID `bson:"_id" json:"-"`
	Email             string        `bson:"email" json:"email"`
	Name              string        `bson:"name" json:"name"`
	PasswordHash      string        `bson:"password_hash" json:"-"`
	TemporaryPassword bool          `bson:"temporary_password" json:"temporaryPassword"`
	CreatedAt         time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `bson:"updated_at" json:"updatedAt"`
	LastLoginAt       *time.Time    `bson:"last_login_at,omitempty" json:"lastLoginAt,omitempty"`
}

// NewUser 創建新的 User 實例
func NewUser(email, name string) *User {
	now := time.Now().UTC()
	return &User{
		ID:        bson.NewObjectID(),
		Email:     email,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
