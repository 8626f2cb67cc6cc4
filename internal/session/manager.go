package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/encryption"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/database/user"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL         = 60 * time.Minute
	DefaultMaxSessions = 1000
)

// Authority 管理員判定（permissions.Store 實作）
type Authority interface {
	IsAdministrator(email string) bool
	HasAdministrator() bool
}

// Options session 設定
type Options struct {
	Secret      string
	Issuer      string
	TTL         time.Duration
	MaxSessions int
}

// Manager session 管理器，同時提供 KeyManager 需要的已登入 keyring
type Manager struct {
	users    user.UserRepository
	keys     *keymanager.KeyManager
	access   Authority
	audit    *audit.AuditService
	tokens   *TokenIssuer
	ttl      time.Duration
	sessions *expirable.LRU[string, *Session]
	now      func() time.Time
}

// NewManager 創建 session 管理器並註冊為 KeyManager 的 live keyring 來源
func NewManager(users user.UserRepository, keys *keymanager.KeyManager, access Authority, auditService *audit.AuditService, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}

	m := &Manager{
		users:  users,
		keys:   keys,
		access: access,
		audit:  auditService,
		tokens: NewTokenIssuer(opts.Secret, opts.Issuer),
		ttl:    opts.TTL,
		now:    time.Now,
	}
	// 被淘汰或過期的 session 立即鎖回 keyring
	m.sessions = expirable.NewLRU[string, *Session](opts.MaxSessions, func(_ string, s *Session) {
		if s.keyring != nil {
			s.keyring.Lock()
		}
	}, opts.TTL)

	keys.SetLiveKeyrings(m)
	return m
}

// Login 驗證密碼、解鎖 keyring，並把密鑰補進排程器快取
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, string, error) {
	email = normalize(email)
	if email == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	u, err := m.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrUserNotFound) {
		m.audit.LogAuthenticationFailure(ctx, email, "unknown user")
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if !encryption.CheckPassword(u.PasswordHash, password) {
		m.audit.LogAuthenticationFailure(ctx, email, "incorrect password")
		return nil, "", ErrInvalidCredentials
	}
	if u.TemporaryPassword {
		m.audit.LogAuthenticationFailure(ctx, email, "password change required")
		return nil, "", ErrPasswordChangeRequired
	}

	keyring, err := m.unlockKeyring(ctx, email, password)
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		Email:      email,
		Start:      now,
		ExpiresAt:  now.Add(m.ttl),
		lastAccess: now,
		keyring:    keyring,
	}
	token, err := m.tokens.Issue(s)
	if err != nil {
		keyring.Lock()
		return nil, "", err
	}
	m.sessions.Add(s.ID, s)

	added := m.keys.Cache().PopulateFrom(keyring)
	if added > 0 {
		logger.Info(ctx, "added collections to publish scheduler cache",
			logger.WithUserID(email),
			logger.WithDetails(map[string]interface{}{"collections": added}))
	}

	if err := m.users.TouchLogin(ctx, email); err != nil {
		logger.Warning(ctx, "failed to record login time", logger.WithUserID(email), logger.WithError(err))
	}
	m.audit.LogLogin(ctx, email, added)
	return s, token, nil
}

// unlockKeyring 沒有 keyring 的舊帳號在首次登入時建立
func (m *Manager) unlockKeyring(ctx context.Context, email, password string) (*keymanager.UserKeyring, error) {
	keyring, err := m.keys.LoadKeyring(ctx, email)
	if errors.Is(err, keymanager.ErrKeyringNotFound) {
		logger.Info(ctx, "creating keyring on first login", logger.WithUserID(email))
		return m.keys.CreateKeyring(ctx, email, password)
	}
	if err != nil {
		return nil, err
	}
	if !keyring.Unlock(password) {
		logger.Error(ctx, "password accepted but keyring could not be unlocked", logger.WithUserID(email))
		return nil, fmt.Errorf("%w: %s", keymanager.ErrKeyringLocked, email)
	}
	return keyring, nil
}

// Get 由 token 取得 session
func (m *Manager) Get(token string) (*Session, error) {
	now := m.now()
	id, err := m.tokens.Parse(token, now)
	if err != nil {
		return nil, err
	}

	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(now) {
		m.sessions.Remove(id)
		return nil, ErrSessionExpired
	}
	s.touch(now)
	return s, nil
}

// Logout 結束 session
func (m *Manager) Logout(token string) error {
	s, err := m.Get(token)
	if err != nil {
		return err
	}
	m.sessions.Remove(s.ID)
	return nil
}

// Keyrings 用戶所有 session 中的已解鎖 keyring
func (m *Manager) Keyrings(email string) []*keymanager.UserKeyring {
	email = normalize(email)
	var out []*keymanager.UserKeyring
	for _, s := range m.sessions.Values() {
		if s.Email == email && s.keyring != nil && s.keyring.IsUnlocked() {
			out = append(out, s.keyring)
		}
	}
	return out
}

// Count 目前的 session 數量
func (m *Manager) Count() int {
	return m.sessions.Len()
}

// CreateUser 管理員建立用戶（臨時密碼）；尚無管理員時允許建立第一位用戶
func (m *Manager) CreateUser(ctx context.Context, operator, email, name, password string) (*user.User, error) {
	if m.access.HasAdministrator() && !m.access.IsAdministrator(operator) {
		return nil, ErrNotAdministrator
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}

	hash, err := encryption.HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := user.NewUser(email, name)
	u.PasswordHash = hash
	u.TemporaryPassword = m.access.HasAdministrator()
	if err := m.users.Create(ctx, u); err != nil {
		return nil, err
	}
	if _, err := m.keys.CreateKeyring(ctx, u.Email, password); err != nil {
		return nil, fmt.Errorf("failed to create keyring: %w", err)
	}

	logger.Info(ctx, "user created",
		logger.WithUserID(operator),
		logger.WithAction("create_user"),
		logger.WithDetails(map[string]interface{}{"email": u.Email}))
	return u, nil
}

// DeleteUser 管理員刪除用戶並結束其 session
func (m *Manager) DeleteUser(ctx context.Context, operator, email string) error {
	if !m.access.IsAdministrator(operator) {
		return ErrNotAdministrator
	}
	if err := m.users.Delete(ctx, email); err != nil {
		return err
	}
	m.endSessions(email)
	logger.Info(ctx, "user deleted",
		logger.WithUserID(operator),
		logger.WithAction("delete_user"),
		logger.WithDetails(map[string]interface{}{"email": normalize(email)}))
	return nil
}

// ChangePassword 用戶自行更換密碼：重新加密 keyring 私鑰，集合密鑰不變
func (m *Manager) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	email = normalize(email)
	if newPassword == "" {
		return ErrPasswordRequired
	}

	u, err := m.users.GetByEmail(ctx, email)
	if errors.Is(err, user.ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if !encryption.CheckPassword(u.PasswordHash, oldPassword) {
		m.audit.LogAuthenticationFailure(ctx, email, "incorrect password on password change")
		return ErrInvalidCredentials
	}

	// 已登入的 keyring 也要換，否則之後的密鑰分發會存回舊的私鑰密文
	keyrings := m.Keyrings(email)
	if len(keyrings) == 0 {
		keyring, err := m.keys.LoadKeyring(ctx, email)
		if err != nil {
			return err
		}
		keyrings = append(keyrings, keyring)
	}
	for _, keyring := range keyrings {
		if err := keyring.ChangePassword(oldPassword, newPassword); err != nil {
			return err
		}
	}
	if err := m.keys.SaveKeyring(ctx, keyrings[0]); err != nil {
		return err
	}

	hash, err := encryption.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := m.users.UpdatePassword(ctx, email, hash, false); err != nil {
		return err
	}

	m.audit.LogPasswordChange(ctx, email, email, false)
	return nil
}

// ResetPassword 管理員重設密碼：產生新密鑰對，從管理員 keyring 補回原本持有的密鑰
func (m *Manager) ResetPassword(ctx context.Context, admin *Session, email, newPassword string) (int, error) {
	if admin == nil || !m.access.IsAdministrator(admin.Email) {
		return 0, ErrNotAdministrator
	}
	email = normalize(email)
	if newPassword == "" {
		return 0, ErrPasswordRequired
	}
	if _, err := m.users.GetByEmail(ctx, email); err != nil {
		return 0, err
	}

	hash, err := encryption.HashPassword(newPassword)
	if err != nil {
		return 0, err
	}

	keyring, err := m.keys.LoadKeyring(ctx, email)
	var previous []string
	switch {
	case errors.Is(err, keymanager.ErrKeyringNotFound):
		keyring, err = keymanager.NewUserKeyring(email, newPassword)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		for id := range keyring.Stored().SealedKeys {
			previous = append(previous, id)
		}
		if err := keyring.Reset(newPassword); err != nil {
			return 0, err
		}
	}

	// 舊 session 持有舊私鑰，全部結束
	m.endSessions(email)

	restored, err := m.keys.RedistributeAfterReset(ctx, admin.Keyring(), keyring, previous)
	if err != nil {
		return restored, err
	}
	if err := m.users.UpdatePassword(ctx, email, hash, true); err != nil {
		return restored, err
	}

	m.audit.LogPasswordChange(ctx, admin.Email, email, true)
	return restored, nil
}

func (m *Manager) endSessions(email string) {
	email = normalize(email)
	for _, s := range m.sessions.Values() {
		if s.Email == email {
			m.sessions.Remove(s.ID)
		}
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
