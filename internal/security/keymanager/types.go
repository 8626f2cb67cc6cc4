package keymanager

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"collection-gateway/internal/security/encryption"
)

// CollectionKey 集合的對稱密鑰，建立後不可變
type CollectionKey struct {
	CollectionID string `json:"collectionID"`
	SecretKey    []byte `json:"secretKey"`
}

// NewCollectionKey 為集合產生新的 256-bit 密鑰
func NewCollectionKey(collectionID string) (*CollectionKey, error) {
	if collectionID == "" {
		return nil, newKeyringError("", ErrKeyIDRequired, nil)
	}

	secret := make([]byte, encryption.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate collection key: %w", err)
	}

	return &CollectionKey{CollectionID: collectionID, SecretKey: secret}, nil
}

// Equal 比較 ID 與密鑰值
func (k *CollectionKey) Equal(other *CollectionKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.CollectionID == other.CollectionID && bytes.Equal(k.SecretKey, other.SecretKey)
}

// Clone 深拷貝，避免呼叫端改到快取內的密鑰
func (k *CollectionKey) Clone() *CollectionKey {
	if k == nil {
		return nil
	}
	secret := make([]byte, len(k.SecretKey))
	copy(secret, k.SecretKey)
	return &CollectionKey{CollectionID: k.CollectionID, SecretKey: secret}
}

// String 不輸出密鑰值
func (k *CollectionKey) String() string {
	if k == nil {
		return "CollectionKey(nil)"
	}
	return fmt.Sprintf("CollectionKey(%s)", k.CollectionID)
}

// StoredKeyring 用戶 keyring 的持久化形式（全部為密文）
type StoredKeyring struct {
	Email               string            `json:"email" bson:"email"`
	PublicKey           []byte            `json:"publicKey" bson:"public_key"`
	Salt                []byte            `json:"salt" bson:"salt"`
	EncryptedPrivateKey []byte            `json:"encryptedPrivateKey" bson:"encrypted_private_key"`
	SealedKeys          map[string][]byte `json:"sealedKeys" bson:"sealed_keys"`
	UpdatedAt           time.Time         `json:"updatedAt" bson:"updated_at"`
}

// clone 深拷貝
func (s *StoredKeyring) clone() *StoredKeyring {
	out := &StoredKeyring{
		Email:               s.Email,
		PublicKey:           append([]byte(nil), s.PublicKey...),
		Salt:                append([]byte(nil), s.Salt...),
		EncryptedPrivateKey: append([]byte(nil), s.EncryptedPrivateKey...),
		SealedKeys:          make(map[string][]byte, len(s.SealedKeys)),
		UpdatedAt:           s.UpdatedAt,
	}
	for id, sealed := range s.SealedKeys {
		out.SealedKeys[id] = append([]byte(nil), sealed...)
	}
	return out
}

// KeyManagerStats 密鑰管理器統計信息
type KeyManagerStats struct {
	StoredKeys int `json:"storedKeys"`
	CachedKeys int `json:"cachedKeys"`
	Keyrings   int `json:"keyrings"`
}
