// Package permissions 管理員、發佈者與集合檢視者的權限對照
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/storage/fsutil"
)

// FileName 權限對照檔名
const FileName = "accessMapping.json"

var (
	ErrUnauthorized  = errors.New("permission denied")
	ErrEmailRequired = errors.New("email required")
)

// AccessMapping 權限對照（JSON 格式）
type AccessMapping struct {
	Administrators        []string            `json:"administrators"`
	DigitalPublishingTeam []string            `json:"digitalPublishingTeam"`
	Collections           map[string][]string `json:"collections"`

	// 舊版欄位，載入時併入 DigitalPublishingTeam
	DataVisualisationPublishers []string `json:"dataVisualisationPublishers,omitempty"`
}

// Store 檔案型權限存儲，email 不分大小寫
type Store struct {
	mu      sync.RWMutex
	path    string
	mapping *accessSets
}

type accessSets struct {
	admins      map[string]struct{}
	publishers  map[string]struct{}
	collections map[string]map[string]struct{}
}

// NewStore 載入（或建立空的）權限對照檔
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create permissions directory: %w", err)
	}

	s := &Store{path: filepath.Join(dir, FileName)}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.LogInfof("AccessMapping file does not yet exist, creating an empty one")
		s.mapping = newAccessSets(&AccessMapping{})
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read access mapping: %w", err)
	default:
		var am AccessMapping
		if err := json.Unmarshal(data, &am); err != nil {
			return nil, fmt.Errorf("failed to parse access mapping: %w", err)
		}
		s.mapping = newAccessSets(&am)
		if len(am.DataVisualisationPublishers) > 0 {
			logger.LogInfof("Migrating %d users from data visualisation team to digital publishing team", len(am.DataVisualisationPublishers))
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

func newAccessSets(am *AccessMapping) *accessSets {
	sets := &accessSets{
		admins:      toSet(am.Administrators),
		publishers:  toSet(am.DigitalPublishingTeam),
		collections: make(map[string]map[string]struct{}, len(am.Collections)),
	}
	for _, email := range am.DataVisualisationPublishers {
		if e := normalize(email); e != "" {
			sets.publishers[e] = struct{}{}
		}
	}
	for id, viewers := range am.Collections {
		sets.collections[id] = toSet(viewers)
	}
	return sets
}

// Snapshot 目前的權限對照
func (s *Store) Snapshot() *AccessMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *AccessMapping {
	am := &AccessMapping{
		Administrators:        fromSet(s.mapping.admins),
		DigitalPublishingTeam: fromSet(s.mapping.publishers),
		Collections:           make(map[string][]string, len(s.mapping.collections)),
	}
	for id, viewers := range s.mapping.collections {
		am.Collections[id] = fromSet(viewers)
	}
	return am
}

// IsAdministrator 是否為管理員
func (s *Store) IsAdministrator(email string) bool {
	return s.has(func(m *accessSets) map[string]struct{} { return m.admins }, email)
}

// IsPublisher 是否為發佈團隊成員
func (s *Store) IsPublisher(email string) bool {
	return s.has(func(m *accessSets) map[string]struct{} { return m.publishers }, email)
}

// CanEdit 只有發佈團隊可編輯內容（管理員身分本身不含編輯權）
func (s *Store) CanEdit(email string) bool {
	return s.IsPublisher(email)
}

// CanView 發佈團隊可看全部集合；其他人需被授權該集合
func (s *Store) CanView(email, collectionID string) bool {
	if s.IsPublisher(email) {
		return true
	}
	e := normalize(email)
	if e == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mapping.collections[collectionID][e]
	return ok
}

// HasAdministrator 是否已有管理員
func (s *Store) HasAdministrator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mapping.admins) > 0
}

// Administrators 所有管理員
func (s *Store) Administrators() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fromSet(s.mapping.admins)
}

// Publishers 所有發佈團隊成員
func (s *Store) Publishers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fromSet(s.mapping.publishers)
}

// Viewers 集合的授權檢視者
func (s *Store) Viewers(collectionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fromSet(s.mapping.collections[collectionID])
}

// AddAdministrator 新增管理員；沒有任何管理員時允許建立第一位
func (s *Store) AddAdministrator(ctx context.Context, operator, email string) error {
	return s.update(ctx, operator, email, true, "add_administrator", func(m *accessSets, e string) {
		m.admins[e] = struct{}{}
	})
}

// RemoveAdministrator 移除管理員
func (s *Store) RemoveAdministrator(ctx context.Context, operator, email string) error {
	return s.update(ctx, operator, email, false, "remove_administrator", func(m *accessSets, e string) {
		delete(m.admins, e)
	})
}

// AddPublisher 新增發佈團隊成員
func (s *Store) AddPublisher(ctx context.Context, operator, email string) error {
	return s.update(ctx, operator, email, false, "add_publisher", func(m *accessSets, e string) {
		m.publishers[e] = struct{}{}
	})
}

// RemovePublisher 移除發佈團隊成員
func (s *Store) RemovePublisher(ctx context.Context, operator, email string) error {
	return s.update(ctx, operator, email, false, "remove_publisher", func(m *accessSets, e string) {
		delete(m.publishers, e)
	})
}

// GrantViewer 授權用戶檢視集合
func (s *Store) GrantViewer(ctx context.Context, operator, collectionID, email string) error {
	return s.update(ctx, operator, email, false, "grant_viewer", func(m *accessSets, e string) {
		if m.collections[collectionID] == nil {
			m.collections[collectionID] = make(map[string]struct{})
		}
		m.collections[collectionID][e] = struct{}{}
	})
}

// RevokeViewer 撤銷集合檢視權
func (s *Store) RevokeViewer(ctx context.Context, operator, collectionID, email string) error {
	return s.update(ctx, operator, email, false, "revoke_viewer", func(m *accessSets, e string) {
		delete(m.collections[collectionID], e)
		if len(m.collections[collectionID]) == 0 {
			delete(m.collections, collectionID)
		}
	})
}

// RemoveCollection 集合刪除時清除授權
func (s *Store) RemoveCollection(collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mapping.collections[collectionID]; !ok {
		return nil
	}
	delete(s.mapping.collections, collectionID)
	return s.saveLocked()
}

// update 管理員才能修改；allowFirst 時若尚無管理員則放行
func (s *Store) update(ctx context.Context, operator, email string, allowFirst bool, action string, fn func(*accessSets, string)) error {
	e := normalize(email)
	if e == "" {
		return ErrEmailRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, isAdmin := s.mapping.admins[normalize(operator)]
	first := allowFirst && len(s.mapping.admins) == 0
	if !first && (operator == "" || !isAdmin) {
		logger.Warning(ctx, "permission change rejected",
			logger.WithUserID(operator),
			logger.WithAction(action))
		return ErrUnauthorized
	}

	fn(s.mapping, e)
	if err := s.saveLocked(); err != nil {
		return err
	}

	logger.Info(ctx, "permissions updated",
		logger.WithUserID(operator),
		logger.WithAction(action),
		logger.WithDetails(map[string]interface{}{"email": e}))
	return nil
}

func (s *Store) has(pick func(*accessSets) map[string]struct{}, email string) bool {
	e := normalize(email)
	if e == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := pick(s.mapping)[e]
	return ok
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise access mapping: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o600)
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func toSet(emails []string) map[string]struct{} {
	set := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		if e := normalize(email); e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
