package user

import (
	"context"
	"sort"
	"sync"
	"time"

	"collection-gateway/internal/storage/database/query"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemoryUserStore 記憶體實作（測試與無資料庫的開發環境）
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUserStore 創建記憶體 user 存儲
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

func (m *MemoryUserStore) Create(_ context.Context, u *User) error {
	if err := query.ValidateEmail(u.Email); err != nil {
		return err
	}
	u.Email = query.NormalizeEmail(u.Email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return ErrUserExists
	}
	if u.ID.IsZero() {
		u.ID = bson.NewObjectID()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.Email] = *u
	return nil
}

func (m *MemoryUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[query.NormalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryUserStore) UpdatePassword(_ context.Context, email, hash string, temporary bool) error {
	return m.update(email, func(u *User) {
		u.PasswordHash = hash
		u.TemporaryPassword = temporary
	})
}

func (m *MemoryUserStore) UpdateName(_ context.Context, email, name string) error {
	return m.update(email, func(u *User) { u.Name = query.SafeStringValue(name) })
}

func (m *MemoryUserStore) TouchLogin(_ context.Context, email string) error {
	return m.update(email, func(u *User) {
		now := time.Now().UTC()
		u.LastLoginAt = &now
	})
}

func (m *MemoryUserStore) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = query.NormalizeEmail(email)
	if _, ok := m.users[email]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, email)
	return nil
}

func (m *MemoryUserStore) List(_ context.Context, limit, offset int64) ([]*User, error) {
	m.mu.RLock()
	all := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		u := u
		all = append(all, &u)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Email < all[j].Email })

	offset = query.ValidateSkip(offset)
	if offset >= int64(len(all)) {
		return nil, nil
	}
	end := offset + query.ValidateLimit(limit)
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	return all[offset:end], nil
}

func (m *MemoryUserStore) update(email string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = query.NormalizeEmail(email)
	u, ok := m.users[email]
	if !ok {
		return ErrUserNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	m.users[email] = u
	return nil
}
