package keymanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"collection-gateway/internal/security/encryption"
	"collection-gateway/internal/storage/fsutil"
)

const keyFileExt = ".json"

// keyFile 磁碟上的密鑰檔格式
// Ciphertext = nonce + AES-256-GCM(JSON(CollectionKey))，additional data 綁定 collectionID
type keyFile struct {
	Version    int    `json:"version"`
	Ciphertext []byte `json:"ciphertext"`
}

// CollectionKeyStore 每個集合一個密鑰檔，以 master key 加密
// 同一個 ID 讀寫互斥（多讀單寫），不同 ID 可並行
type CollectionKeyStore struct {
	dir       string
	masterKey []byte

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewCollectionKeyStore 創建密鑰檔存儲
func NewCollectionKeyStore(dir string, masterKey []byte) (*CollectionKeyStore, error) {
	if len(masterKey) != encryption.KeySize {
		return nil, fmt.Errorf("master key must be 32 bytes (256 bits)")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}

	// 複製 Master Key，避免外部修改
	masterKeyCopy := make([]byte, len(masterKey))
	copy(masterKeyCopy, masterKey)

	return &CollectionKeyStore{
		dir:       dir,
		masterKey: masterKeyCopy,
		locks:     make(map[string]*sync.RWMutex),
	}, nil
}

// Write 加密並原子寫入集合密鑰，參數錯誤時不做任何 I/O
func (s *CollectionKeyStore) Write(key *CollectionKey) error {
	if key == nil {
		return newKeyringError("", ErrKeyRequired, nil)
	}
	if key.CollectionID == "" {
		return newKeyringError("", ErrKeyIDRequired, nil)
	}
	if key.SecretKey == nil {
		return newKeyringError(key.CollectionID, ErrSecretKeyRequired, nil)
	}
	if len(key.SecretKey) != encryption.KeySize {
		return newKeyringError(key.CollectionID, ErrSecretKeySize, nil)
	}
	if err := validateCollectionID(key.CollectionID); err != nil {
		return err
	}

	plaintext, err := json.Marshal(key)
	if err != nil {
		return newKeyringError(key.CollectionID, ErrKeyWrite, err)
	}

	sealed, err := encryption.Seal(s.masterKey, plaintext, []byte(key.CollectionID))
	if err != nil {
		return newKeyringError(key.CollectionID, ErrKeyWrite, err)
	}

	data, err := json.Marshal(keyFile{Version: 1, Ciphertext: sealed})
	if err != nil {
		return newKeyringError(key.CollectionID, ErrKeyWrite, err)
	}

	lock := s.lockFor(key.CollectionID)
	lock.Lock()
	defer lock.Unlock()

	if err := fsutil.WriteFileAtomic(s.path(key.CollectionID), data, 0o600); err != nil {
		return newKeyringError(key.CollectionID, ErrKeyWrite, err)
	}
	return nil
}

// Read 讀取並解密集合密鑰，失敗時不會回傳部分內容
func (s *CollectionKeyStore) Read(collectionID string) (*CollectionKey, error) {
	if collectionID == "" {
		return nil, newKeyringError("", ErrCollectionIDRequired, nil)
	}
	if err := validateCollectionID(collectionID); err != nil {
		return nil, err
	}

	lock := s.lockFor(collectionID)
	lock.RLock()
	data, err := os.ReadFile(s.path(collectionID))
	lock.RUnlock()

	if errors.Is(err, os.ErrNotExist) {
		return nil, newKeyringError(collectionID, ErrKeyNotFound, nil)
	}
	if err != nil {
		return nil, newKeyringError(collectionID, ErrKeyDecryption, err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, newKeyringError(collectionID, ErrKeyDecryption, err)
	}

	plaintext, err := encryption.Open(s.masterKey, file.Ciphertext, []byte(collectionID))
	if err != nil {
		return nil, newKeyringError(collectionID, ErrKeyDecryption, err)
	}

	var key CollectionKey
	if err := json.Unmarshal(plaintext, &key); err != nil {
		return nil, newKeyringError(collectionID, ErrKeyDecryption, err)
	}
	if key.CollectionID != collectionID || len(key.SecretKey) != encryption.KeySize {
		return nil, newKeyringError(collectionID, ErrKeyDecryption, ErrKeyMismatch)
	}

	return &key, nil
}

// Exists 檢查密鑰檔是否存在
func (s *CollectionKeyStore) Exists(collectionID string) bool {
	if validateCollectionID(collectionID) != nil {
		return false
	}
	lock := s.lockFor(collectionID)
	lock.RLock()
	defer lock.RUnlock()
	return fsutil.Exists(s.path(collectionID))
}

// Delete 刪除密鑰檔（集合刪除時），不存在時不報錯
func (s *CollectionKeyStore) Delete(collectionID string) error {
	if collectionID == "" {
		return newKeyringError("", ErrCollectionIDRequired, nil)
	}
	if err := validateCollectionID(collectionID); err != nil {
		return err
	}

	lock := s.lockFor(collectionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(collectionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return newKeyringError(collectionID, ErrKeyWrite, err)
	}
	return nil
}

// IDs 列出所有已存的集合 ID
func (s *CollectionKeyStore) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyring directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, keyFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, keyFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *CollectionKeyStore) path(collectionID string) string {
	return filepath.Join(s.dir, collectionID+keyFileExt)
}

// lockFor 取得（必要時建立）該 ID 的讀寫鎖
func (s *CollectionKeyStore) lockFor(collectionID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[collectionID]
	if !ok {
		lock = &sync.RWMutex{}
		s.locks[collectionID] = lock
	}
	return lock
}

// validateCollectionID ID 會直接成為檔名，不允許路徑字元
func validateCollectionID(collectionID string) error {
	if strings.ContainsAny(collectionID, `/\`) || strings.Contains(collectionID, "..") || strings.HasPrefix(collectionID, ".") {
		return newKeyringError(collectionID, ErrInvalidCollectionID, nil)
	}
	return nil
}
