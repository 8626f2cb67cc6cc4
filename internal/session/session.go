// Package session 登入、session 與密碼管理
//
// 登入時以密碼解鎖用戶 keyring，解鎖後的 keyring 只存在 session 中，
// session 過期或登出時鎖回並清除記憶體中的密鑰。
package session

import (
	"errors"
	"sync"
	"time"

	"collection-gateway/internal/security/keymanager"
)

var (
	ErrTokenRequired          = errors.New("session ID required but empty")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrPasswordChangeRequired = errors.New("password change required")
	ErrNotAdministrator       = errors.New("administrator rights required")
	ErrPasswordRequired       = errors.New("password required")
)

// Session 已登入的用戶
type Session struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Start     time.Time `json:"start"`
	ExpiresAt time.Time `json:"expiresAt"`

	mu         sync.Mutex
	lastAccess time.Time
	keyring    *keymanager.UserKeyring
}

// Keyring 已解鎖的用戶 keyring
func (s *Session) Keyring() *keymanager.UserKeyring {
	return s.keyring
}

// Key 取得集合密鑰
func (s *Session) Key(collectionID string) (*keymanager.CollectionKey, bool) {
	if s.keyring == nil {
		return nil, false
	}
	return s.keyring.Get(collectionID)
}

// LastAccess 最後使用時間
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
