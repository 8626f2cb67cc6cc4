package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize AES-256 密鑰長度
const KeySize = 32

// AESCTREncryption AES-256-CTR 內容加密
// 用於 collection 內容檔案：可串流、不需填充、IV 隨機並置於密文前
type AESCTREncryption struct {
	block cipher.Block
}

// NewAESCTREncryption 創建 AES-256-CTR 加密實例
func NewAESCTREncryption(key []byte) (*AESCTREncryption, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (256 bits), got %d bytes", KeySize, len(key))
	}

	// 複製密鑰再建立 block，呼叫端之後修改 key 不影響
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	defer zero(keyCopy)

	block, err := aes.NewCipher(keyCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &AESCTREncryption{block: block}, nil
}

// EncryptBytes 加密整段內容
// 格式: IV(16 bytes) + ciphertext
func (e *AESCTREncryption) EncryptBytes(plaintext []byte) ([]byte, error) {
	result := make([]byte, aes.BlockSize+len(plaintext))
	iv := result[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	// #nosec G407 -- IV is generated from crypto/rand above
	stream := cipher.NewCTR(e.block, iv)
	stream.XORKeyStream(result[aes.BlockSize:], plaintext)

	return result, nil
}

// DecryptBytes 解密整段內容
func (e *AESCTREncryption) DecryptBytes(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short: must be at least %d bytes", aes.BlockSize)
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))

	// #nosec G407 -- IV is read from the ciphertext header
	stream := cipher.NewCTR(e.block, iv)
	stream.XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

// EncryptingWriter 返回一個 writer，先寫入隨機 IV，之後寫入的資料都會加密
func (e *AESCTREncryption) EncryptingWriter(w io.Writer) (io.Writer, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return nil, fmt.Errorf("failed to write IV: %w", err)
	}

	// #nosec G407 -- IV is generated from crypto/rand above
	return &cipher.StreamWriter{S: cipher.NewCTR(e.block, iv), W: w}, nil
}

// DecryptingReader 讀取 IV 後返回解密 reader
func (e *AESCTREncryption) DecryptingReader(r io.Reader) (io.Reader, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("failed to read IV: %w", err)
	}

	// #nosec G407 -- IV is read from the stream header
	return &cipher.StreamReader{S: cipher.NewCTR(e.block, iv), R: r}, nil
}

// zero 清零敏感緩衝區
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
