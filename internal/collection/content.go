package collection

import (
	"fmt"
	"io"
	"os"
	"strings"

	"collection-gateway/internal/security/encryption"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/fsutil"
)

// WriteContent 寫入 in-progress 內容（加密集合需提供 key）
func (c *Collection) WriteContent(user, uri string, r io.Reader, key *keymanager.CollectionKey) error {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return err
	}

	target := c.contentPath(StateInProgress, uri)
	if !fsutil.Exists(target) {
		return badRequest(uri, "content must be in progress before it can be written")
	}

	cipher, err := c.cipherFor(key)
	if err != nil {
		return err
	}

	return fsutil.WriteAtomic(target, 0o640, func(w io.Writer) error {
		if cipher != nil {
			sw, err := cipher.EncryptingWriter(w)
			if err != nil {
				return err
			}
			w = sw
		}
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("failed to write content: %w", err)
		}
		return nil
	})
}

// ReadContent 讀取內容（依 in-progress → complete → reviewed 搜尋），必要時解密
func (c *Collection) ReadContent(uri string, key *keymanager.CollectionKey) ([]byte, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return nil, err
	}

	state, ok := c.find(uri)
	if !ok {
		return nil, notFound(uri, "content not found in collection")
	}
	return c.readState(state, uri, key)
}

// ReviewedContent 解密所有 reviewed 內容，供發佈使用
func (c *Collection) ReviewedContent(key *keymanager.CollectionKey) ([]ContentItem, error) {
	uris := c.ReviewedURIs()
	items := make([]ContentItem, 0, len(uris))
	for _, uri := range uris {
		data, err := c.readState(StateReviewed, uri, key)
		if err != nil {
			return nil, err
		}
		items = append(items, ContentItem{URI: uri, Data: data})
	}
	return items, nil
}

// CopyReviewedToMaster 發佈成功後把 reviewed 內容以明文寫入已發佈存儲
func (c *Collection) CopyReviewedToMaster(key *keymanager.CollectionKey) ([]string, error) {
	items, err := c.ReviewedContent(key)
	if err != nil {
		return nil, err
	}

	uris := make([]string, 0, len(items))
	for _, item := range items {
		if err := fsutil.WriteFileAtomic(c.masterPath(item.URI), item.Data, 0o644); err != nil {
			return uris, err
		}
		uris = append(uris, item.URI)
	}
	return uris, nil
}

func (c *Collection) readState(state State, uri string, key *keymanager.CollectionKey) ([]byte, error) {
	data, err := os.ReadFile(c.contentPath(state, uri))
	if os.IsNotExist(err) {
		return nil, notFound(uri, "content not found in collection")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	cipher, err := c.cipherFor(key)
	if err != nil {
		return nil, err
	}
	if cipher == nil || len(data) == 0 {
		return data, nil
	}

	plaintext, err := cipher.DecryptBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content %s: %w", uri, err)
	}
	return plaintext, nil
}

// copyFromMaster 從已發佈內容複製到 in-progress，加密集合在複製時加密
func (c *Collection) copyFromMaster(master, target string, key *keymanager.CollectionKey) error {
	cipher, err := c.cipherFor(key)
	if err != nil {
		return err
	}

	src, err := os.Open(master)
	if err != nil {
		return fmt.Errorf("failed to open published content: %w", err)
	}
	defer src.Close()

	return fsutil.WriteAtomic(target, 0o640, func(w io.Writer) error {
		if cipher != nil {
			sw, err := cipher.EncryptingWriter(w)
			if err != nil {
				return err
			}
			w = sw
		}
		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("failed to copy published content: %w", err)
		}
		return nil
	})
}

// cipherFor 未加密集合回傳 nil
func (c *Collection) cipherFor(key *keymanager.CollectionKey) (*encryption.AESCTREncryption, error) {
	if !c.IsEncrypted() {
		return nil, nil
	}
	if key == nil {
		return nil, badRequest("", "collection key required for encrypted collection")
	}
	if key.CollectionID != c.ID() {
		return nil, badRequest("", "collection key does not belong to this collection")
	}
	return encryption.NewAESCTREncryption(key.SecretKey)
}

// Filename 集合名稱轉為目錄名（小寫英數）
func Filename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}
