package keymanager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*CollectionKeyStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewCollectionKeyStore(dir, make([]byte, 32))
	if err != nil {
		t.Fatalf("NewCollectionKeyStore failed: %v", err)
	}
	return store, dir
}

func TestCollectionKeyStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		key, err := NewCollectionKey(fmt.Sprintf("collection-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Write(key); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		got, err := store.Read(key.CollectionID)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !got.Equal(key) {
			t.Errorf("round trip mismatch for %s", key.CollectionID)
		}
	}
}

func TestCollectionKeyStore_WriteValidation(t *testing.T) {
	store, dir := newTestStore(t)

	testCases := []struct {
		name string
		key  *CollectionKey
		want error
	}{
		{"nil key", nil, ErrKeyRequired},
		{"empty ID", &CollectionKey{SecretKey: make([]byte, 32)}, ErrKeyIDRequired},
		{"nil secret", &CollectionKey{CollectionID: "abc"}, ErrSecretKeyRequired},
		{"empty secret", &CollectionKey{CollectionID: "abc", SecretKey: []byte{}}, ErrSecretKeySize},
		{"short secret", &CollectionKey{CollectionID: "abc", SecretKey: make([]byte, 16)}, ErrSecretKeySize},
		{"path traversal", &CollectionKey{CollectionID: "../abc", SecretKey: make([]byte, 32)}, ErrInvalidCollectionID},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Write(tc.key)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// 驗證失敗不應產生任何檔案
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("validation failure should not touch disk, found %d files", len(entries))
	}
}

func TestCollectionKeyStore_ReadErrors(t *testing.T) {
	store, dir := newTestStore(t)

	_, err := store.Read("")
	if !errors.Is(err, ErrCollectionIDRequired) {
		t.Errorf("empty ID: expected ErrCollectionIDRequired, got %v", err)
	}

	_, err = store.Read("missing")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing: expected ErrKeyNotFound, got %v", err)
	}
	var kerr *KeyringError
	if !errors.As(err, &kerr) || kerr.CollectionID != "missing" {
		t.Errorf("not-found error should carry collectionID, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte(`{"version":1,"ciphertext":"AAAA"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = store.Read("corrupt")
	if !errors.Is(err, ErrKeyDecryption) {
		t.Errorf("corrupt: expected ErrKeyDecryption, got %v", err)
	}
	if !errors.As(err, &kerr) || kerr.CollectionID != "corrupt" {
		t.Errorf("decryption error should carry collectionID, got %v", err)
	}
}

func TestCollectionKeyStore_WrongMasterKey(t *testing.T) {
	dir := t.TempDir()
	store1, _ := NewCollectionKeyStore(dir, make([]byte, 32))
	other := make([]byte, 32)
	other[0] = 1
	store2, _ := NewCollectionKeyStore(dir, other)

	key, _ := NewCollectionKey("abc")
	if err := store1.Write(key); err != nil {
		t.Fatal(err)
	}

	if _, err := store2.Read("abc"); !errors.Is(err, ErrKeyDecryption) {
		t.Errorf("expected ErrKeyDecryption with wrong master key, got %v", err)
	}
}

func TestCollectionKeyStore_RenamedFileRejected(t *testing.T) {
	store, dir := newTestStore(t)

	key, _ := NewCollectionKey("abc")
	if err := store.Write(key); err != nil {
		t.Fatal(err)
	}

	// 密文綁定 collectionID，改檔名不能拿到別的集合的密鑰
	if err := os.Rename(filepath.Join(dir, "abc.json"), filepath.Join(dir, "xyz.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Read("xyz"); !errors.Is(err, ErrKeyDecryption) {
		t.Errorf("expected ErrKeyDecryption for renamed key file, got %v", err)
	}
}

func TestCollectionKeyStore_DeleteAndIDs(t *testing.T) {
	store, _ := newTestStore(t)

	for _, id := range []string{"b", "a"} {
		key, _ := NewCollectionKey(id)
		if err := store.Write(key); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.IDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v", ids)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if store.Exists("a") {
		t.Error("a should be deleted")
	}
	if err := store.Delete("a"); err != nil {
		t.Errorf("deleting twice should not fail: %v", err)
	}
}

func TestCollectionKeyStore_Concurrent(t *testing.T) {
	store, _ := newTestStore(t)

	key, _ := NewCollectionKey("shared")
	if err := store.Write(key); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := store.Write(key); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			got, err := store.Read("shared")
			if err != nil {
				errs <- err
				return
			}
			if !got.Equal(key) {
				errs <- fmt.Errorf("partial or wrong key read")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
