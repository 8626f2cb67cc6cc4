package keymanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/encryption"
)

// UserKeyring 用戶的集合密鑰容器
//
// 鎖定時只保存密文（StoredKeyring），Get/List 回傳空結果；
// 解鎖後私鑰與所有集合密鑰保存在記憶體，直到 Lock 或 session 結束。
// 新密鑰以用戶公鑰封裝，所以鎖定狀態下也能 Add（授權給離線用戶）。
type UserKeyring struct {
	mu         sync.RWMutex
	stored     *StoredKeyring
	privateKey []byte                    // nil 表示鎖定
	keys       map[string]*CollectionKey // 解鎖後才有值
}

// NewUserKeyring 為新用戶建立 keyring（已解鎖狀態）
func NewUserKeyring(email, password string) (*UserKeyring, error) {
	if email == "" {
		return nil, fmt.Errorf("email required")
	}

	k := &UserKeyring{
		stored: &StoredKeyring{Email: email, SealedKeys: make(map[string][]byte)},
		keys:   make(map[string]*CollectionKey),
	}
	if err := k.resetLocked(password); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadUserKeyring 從持久化形式載入（鎖定狀態）
func LoadUserKeyring(stored *StoredKeyring) *UserKeyring {
	s := stored.clone()
	if s.SealedKeys == nil {
		s.SealedKeys = make(map[string][]byte)
	}
	return &UserKeyring{stored: s}
}

// Email 擁有者
func (k *UserKeyring) Email() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stored.Email
}

// Unlock 以密碼解鎖，密碼錯誤回傳 false 並保持鎖定
func (k *UserKeyring) Unlock(password string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	derived := encryption.DeriveKey(password, k.stored.Salt)
	privateKey, err := encryption.Open(derived, k.stored.EncryptedPrivateKey, []byte(k.stored.Email))
	if err != nil {
		return false
	}

	keys := make(map[string]*CollectionKey, len(k.stored.SealedKeys))
	for id, sealed := range k.stored.SealedKeys {
		secret, err := encryption.OpenWith(privateKey, sealed)
		if err != nil {
			logger.Warning(context.Background(), "skipping unreadable keyring entry",
				logger.WithUserID(k.stored.Email),
				logger.WithCollectionID(id),
				logger.WithError(err))
			continue
		}
		keys[id] = &CollectionKey{CollectionID: id, SecretKey: secret}
	}

	k.privateKey = privateKey
	k.keys = keys
	return true
}

// Lock 清除記憶體中的私鑰與集合密鑰
func (k *UserKeyring) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		clear(key.SecretKey)
	}
	clear(k.privateKey)
	k.privateKey = nil
	k.keys = nil
}

// IsUnlocked 是否已解鎖
func (k *UserKeyring) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.privateKey != nil
}

// Get 取得集合密鑰，鎖定時回傳 false
func (k *UserKeyring) Get(collectionID string) (*CollectionKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[collectionID]
	if !ok {
		return nil, false
	}
	return key.Clone(), true
}

// List 列出可用的集合 ID，鎖定時回傳空
func (k *UserKeyring) List() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Keys 回傳所有已解鎖密鑰的副本
func (k *UserKeyring) Keys() map[string]*CollectionKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make(map[string]*CollectionKey, len(k.keys))
	for id, key := range k.keys {
		out[id] = key.Clone()
	}
	return out
}

// Holds 是否持有該集合（鎖定時依密文判斷）
func (k *UserKeyring) Holds(collectionID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.stored.SealedKeys[collectionID]
	return ok
}

// Add 加入集合密鑰；相同 (ID, key) 重複加入無副作用，不同 key 會覆寫
func (k *UserKeyring) Add(collectionID string, key *CollectionKey) error {
	if key == nil {
		return newKeyringError(collectionID, ErrKeyRequired, nil)
	}
	if collectionID == "" {
		return newKeyringError("", ErrCollectionIDRequired, nil)
	}
	if key.SecretKey == nil {
		return newKeyringError(collectionID, ErrSecretKeyRequired, nil)
	}
	if key.CollectionID != collectionID {
		return newKeyringError(collectionID, ErrKeyMismatch, nil)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.keys[collectionID]; ok && existing.Equal(key) {
		return nil
	}

	sealed, err := encryption.SealTo(k.stored.PublicKey, key.SecretKey)
	if err != nil {
		return newKeyringError(collectionID, ErrKeyWrite, err)
	}

	k.stored.SealedKeys[collectionID] = sealed
	k.stored.UpdatedAt = time.Now()
	if k.privateKey != nil {
		k.keys[collectionID] = key.Clone()
	}
	return nil
}

// Remove 撤銷集合密鑰，回傳是否原本存在
func (k *UserKeyring) Remove(collectionID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.stored.SealedKeys[collectionID]
	delete(k.stored.SealedKeys, collectionID)
	delete(k.keys, collectionID)
	if ok {
		k.stored.UpdatedAt = time.Now()
	}
	return ok
}

// ChangePassword 以新密碼重新加密私鑰，集合密鑰不變
func (k *UserKeyring) ChangePassword(oldPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("new password required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	derived := encryption.DeriveKey(oldPassword, k.stored.Salt)
	privateKey, err := encryption.Open(derived, k.stored.EncryptedPrivateKey, []byte(k.stored.Email))
	if err != nil {
		return ErrInvalidPassword
	}
	defer clear(privateKey)

	salt, err := encryption.NewSalt()
	if err != nil {
		return err
	}
	encrypted, err := encryption.Seal(encryption.DeriveKey(newPassword, salt), privateKey, []byte(k.stored.Email))
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}

	k.stored.Salt = salt
	k.stored.EncryptedPrivateKey = encrypted
	k.stored.UpdatedAt = time.Now()
	return nil
}

// Reset 管理員重設密碼：產生新密鑰對並清空所有密鑰，由 KeyManager 重新分發
func (k *UserKeyring) Reset(newPassword string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.resetLocked(newPassword)
}

func (k *UserKeyring) resetLocked(password string) error {
	if password == "" {
		return fmt.Errorf("password required")
	}

	pair, err := encryption.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	salt, err := encryption.NewSalt()
	if err != nil {
		return err
	}
	encrypted, err := encryption.Seal(encryption.DeriveKey(password, salt), pair.PrivateKey, []byte(k.stored.Email))
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}

	k.stored.PublicKey = pair.PublicKey
	k.stored.Salt = salt
	k.stored.EncryptedPrivateKey = encrypted
	k.stored.SealedKeys = make(map[string][]byte)
	k.stored.UpdatedAt = time.Now()
	k.privateKey = pair.PrivateKey
	k.keys = make(map[string]*CollectionKey)
	return nil
}

// Stored 回傳可持久化的密文副本
func (k *UserKeyring) Stored() *StoredKeyring {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stored.clone()
}
