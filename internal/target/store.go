package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/storage/fsutil"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionClosed   = errors.New("transaction already committed")
)

// Status 交易狀態
type Status string

const (
	StatusStarted   Status = "started"
	StatusCommitted Status = "committed"
)

// Transaction 一次發布在主機上的交易
type Transaction struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	StartDate  time.Time  `json:"startDate"`
	CommitDate *time.Time `json:"commitDate,omitempty"`
	URIs       []string   `json:"uris"`
}

// Store 目標主機的交易與網站內容
//
// 上傳的檔案先放在 transactions/<id>/staging，commit 時 rename 到 content/。
type Store struct {
	root    string
	content string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 建立或開啟目錄
func NewStore(root string) (*Store, error) {
	s := &Store{
		root:    root,
		content: filepath.Join(root, "content"),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, dir := range []string{s.content, filepath.Join(root, "transactions")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create target directory: %w", err)
		}
	}
	return s, nil
}

// Begin 開啟交易
func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	tx := &Transaction{
		ID:        uuid.NewString(),
		Status:    StatusStarted,
		StartDate: time.Now().UTC(),
		URIs:      []string{},
	}
	if err := os.MkdirAll(s.stagingDir(tx.ID), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create transaction directory: %w", err)
	}
	if err := s.save(tx); err != nil {
		return nil, err
	}

	logger.Info(ctx, "transaction started", logger.WithAction("begin"), logger.WithDetails(map[string]interface{}{"transaction_id": tx.ID}))
	return tx, nil
}

// Publish 上傳一個檔案到交易中
func (s *Store) Publish(ctx context.Context, txID, uri string, r io.Reader) error {
	uri, err := collection.NormalizeURI(uri)
	if err != nil {
		return err
	}

	unlock := s.lock(txID)
	defer unlock()

	tx, err := s.load(txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusStarted {
		return ErrTransactionClosed
	}

	dest := filepath.Join(s.stagingDir(txID), filepath.FromSlash(strings.TrimPrefix(uri, "/")))
	err = fsutil.WriteAtomic(dest, 0o640, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", uri, err)
	}

	if !contains(tx.URIs, uri) {
		tx.URIs = append(tx.URIs, uri)
		sort.Strings(tx.URIs)
	}
	return s.save(tx)
}

// Commit 把交易中的檔案移到網站內容；重複 commit 不做事
func (s *Store) Commit(ctx context.Context, txID string) (*Transaction, error) {
	unlock := s.lock(txID)
	defer unlock()

	tx, err := s.load(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusCommitted {
		return tx, nil
	}

	staging := s.stagingDir(txID)
	for _, uri := range tx.URIs {
		rel := filepath.FromSlash(strings.TrimPrefix(uri, "/"))
		if err := fsutil.Move(filepath.Join(staging, rel), filepath.Join(s.content, rel)); err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", uri, err)
		}
	}

	now := time.Now().UTC()
	tx.Status = StatusCommitted
	tx.CommitDate = &now
	if err := s.save(tx); err != nil {
		return nil, err
	}
	_ = os.RemoveAll(staging)

	logger.Info(ctx, "transaction committed", logger.WithAction("commit"), logger.WithDetails(map[string]interface{}{
		"transaction_id": txID,
		"uris":           len(tx.URIs),
	}))
	return tx, nil
}

// Get 查詢交易
func (s *Store) Get(txID string) (*Transaction, error) {
	unlock := s.lock(txID)
	defer unlock()
	return s.load(txID)
}

// Content 讀取已上線的內容
func (s *Store) Content(uri string) ([]byte, error) {
	uri, err := collection.NormalizeURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.content, filepath.FromSlash(strings.TrimPrefix(uri, "/"))))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", uri, os.ErrNotExist)
	}
	return data, err
}

func (s *Store) txDir(txID string) string {
	return filepath.Join(s.root, "transactions", txID)
}

func (s *Store) stagingDir(txID string) string {
	return filepath.Join(s.txDir(txID), "staging")
}

func (s *Store) load(txID string) (*Transaction, error) {
	if _, err := uuid.Parse(txID); err != nil {
		return nil, ErrTransactionNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.txDir(txID), "transaction.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &tx, nil
}

func (s *Store) save(tx *Transaction) error {
	data, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(s.txDir(tx.ID), "transaction.json"), data, 0o640)
}

func (s *Store) lock(txID string) func() {
	s.mu.Lock()
	l, ok := s.locks[txID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[txID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
