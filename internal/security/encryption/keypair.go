package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sealInfo HKDF info，區分用途
const sealInfo = "collection-gateway keyring seal v1"

// KeyPair Curve25519 密鑰對（用於用戶 keyring）
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// GenerateKeyPair 生成 Curve25519 密鑰對
func GenerateKeyPair() (*KeyPair, error) {
	privateKey := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, privateKey); err != nil {
		return nil, err
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}, nil
}

// PublicKeyFor 由私鑰推導公鑰
func PublicKeyFor(privateKey []byte) ([]byte, error) {
	return curve25519.X25519(privateKey, curve25519.Basepoint)
}

// SealTo 用收件人公鑰封裝資料（不需要收件人在線）
// 步驟: 臨時密鑰對 -> X25519(臨時私鑰, 收件人公鑰) -> HKDF -> AES-256-GCM
// 格式: ephemeralPublicKey(32 bytes) + Seal 輸出
func SealTo(recipientPublicKey, plaintext []byte) ([]byte, error) {
	if len(recipientPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid public key length: %d", len(recipientPublicKey))
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key pair: %w", err)
	}
	defer zero(ephemeral.PrivateKey)

	shared, err := curve25519.X25519(ephemeral.PrivateKey, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	key, err := deriveSealKey(shared, ephemeral.PublicKey, recipientPublicKey)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	sealed, err := Seal(key, plaintext, ephemeral.PublicKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephemeral.PublicKey)+len(sealed))
	out = append(out, ephemeral.PublicKey...)
	return append(out, sealed...), nil
}

// OpenWith 用私鑰打開 SealTo 的輸出
func OpenWith(privateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < curve25519.PointSize {
		return nil, fmt.Errorf("%w: sealed data too short", ErrDecryption)
	}

	ephemeralPublic := sealed[:curve25519.PointSize]
	shared, err := curve25519.X25519(privateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	recipientPublic, err := PublicKeyFor(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	key, err := deriveSealKey(shared, ephemeralPublic, recipientPublic)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	return Open(key, sealed[curve25519.PointSize:], ephemeralPublic)
}

// deriveSealKey 使用 HKDF 導出對稱密鑰，salt 綁定雙方公鑰
func deriveSealKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}
	return key, nil
}
