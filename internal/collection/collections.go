package collection

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
	"time"

	"github.com/google/uuid"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/fsutil"
)

// KeyDistributor 集合密鑰的分發與移除
type KeyDistributor interface {
	DistributeNewCollectionKey(ctx context.Context, creator *keymanager.UserKeyring, key *keymanager.CollectionKey) error
	RemoveCollectionKey(ctx context.Context, collectionID string) error
}

// Notifier 核准後通知外部快取失效
type Notifier interface {
	SendNotification(ctx context.Context, eventType string, uris []string) error
}

// PublishScheduler 排程發佈
type PublishScheduler interface {
	SchedulePublish(desc *Description)
	CancelPublish(collectionID string) bool
}

// Options 目錄與加密設定
type Options struct {
	CollectionsDir string // <root>/collections
	MasterDir      string // 已發佈內容
	ArchiveDir     string // 發佈完成的集合
	Encrypt        bool
}

// UpdateRequest 集合屬性修改
type UpdateRequest struct {
	Name        string
	Type        Type
	PublishDate *time.Time
}

// Collections 所有集合的註冊表
type Collections struct {
	opts Options

	mu   sync.RWMutex
	byID map[string]*Collection

	claimMu sync.Mutex // 跨集合的 URI 占用檢查與建立序列化

	keys      KeyDistributor
	notifier  Notifier
	scheduler PublishScheduler
	audit     *audit.AuditService
}

// NewCollections 載入既有集合
func NewCollections(opts Options, keys KeyDistributor, notifier Notifier, auditService *audit.AuditService) (*Collections, error) {
	for _, dir := range []string{opts.CollectionsDir, opts.MasterDir, opts.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	cs := &Collections{
		opts:     opts,
		byID:     make(map[string]*Collection),
		keys:     keys,
		notifier: notifier,
		audit:    auditService,
	}

	entries, err := os.ReadDir(opts.CollectionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		c, err := cs.load(filepath.Join(opts.CollectionsDir, e.Name()))
		if err != nil {
			logger.LogErrorf("skipping unreadable collection %s: %v", e.Name(), err)
			continue
		}
		cs.byID[c.desc.ID] = c
	}

	logger.LogInfof("Loaded %d collections", len(cs.byID))
	return cs, nil
}

// SetScheduler 注入排程器（排程器依賴 Collections，所以建立後才設定）
func (cs *Collections) SetScheduler(s PublishScheduler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.scheduler = s
}

// Create 建立集合並分發新密鑰
func (cs *Collections) Create(ctx context.Context, req *Description, user string, creator *keymanager.UserKeyring) (*Collection, error) {
	if req == nil {
		return nil, badRequest("", "collection description required")
	}
	name := strings.TrimSpace(req.Name)
	filename := Filename(name)
	if filename == "" {
		return nil, badRequest("", "collection name required")
	}

	typ := req.Type
	if typ == "" {
		typ = TypeManual
	}
	if typ != TypeManual && typ != TypeScheduled {
		return nil, badRequest("", "unknown collection type %q", typ)
	}
	if typ == TypeScheduled && req.PublishDate == nil {
		return nil, badRequest("", "scheduled collection requires a publish date")
	}
	owner := req.CollectionOwner
	if owner == "" {
		owner = OwnerPublishingSupport
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.nameTakenLocked(filename, "") {
		return nil, conflict("", "a collection named %q already exists", name)
	}

	id := filename + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now().UTC()
	desc := &Description{
		ID:                    id,
		Name:                  name,
		Type:                  typ,
		CollectionOwner:       owner,
		PublishDate:           req.PublishDate,
		ApprovalStatus:        ApprovalNotStarted,
		IsEncrypted:           cs.opts.Encrypt,
		PublishTransactionIDs: map[string]string{},
		Events:                Events{{Type: EventCreated, Email: user, Date: now}},
		EventsByURI:           map[string]Events{},
	}

	c := cs.newCollection(desc, filepath.Join(cs.opts.CollectionsDir, filename))
	for _, state := range WorkingStates {
		if err := os.MkdirAll(c.statePath(state), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create collection directory: %w", err)
		}
	}

	key, err := keymanager.NewCollectionKey(id)
	if err != nil {
		os.RemoveAll(c.root)
		return nil, err
	}
	if err := cs.keys.DistributeNewCollectionKey(ctx, creator, key); err != nil {
		os.RemoveAll(c.root)
		return nil, fmt.Errorf("failed to distribute collection key: %w", err)
	}

	if err := c.Update(func(*Description) {}); err != nil {
		os.RemoveAll(c.root)
		return nil, err
	}
	cs.byID[id] = c

	if typ == TypeScheduled && cs.scheduler != nil {
		cs.scheduler.SchedulePublish(desc.Clone())
	}

	logger.Info(ctx, "collection created",
		logger.WithUserID(user),
		logger.WithCollectionID(id),
		logger.WithAction("create_collection"))
	cs.audit.LogCollectionChange(ctx, user, id, "create_collection", map[string]interface{}{"name": name, "type": typ})
	return c, nil
}

// Get 依 ID 取得集合
func (cs *Collections) Get(id string) (*Collection, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	c, ok := cs.byID[id]
	if !ok {
		return nil, notFound("", "collection %s not found", id)
	}
	return c, nil
}

// List 所有集合的描述（依名稱排序）
func (cs *Collections) List() []*Description {
	cs.mu.RLock()
	all := make([]*Collection, 0, len(cs.byID))
	for _, c := range cs.byID {
		all = append(all, c)
	}
	cs.mu.RUnlock()

	out := make([]*Description, 0, len(all))
	for _, c := range all {
		out = append(out, c.Description())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Scheduled 需要排程的集合（排程類型且有發佈時間，尚未發佈）
func (cs *Collections) Scheduled() []*Description {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var out []*Description
	for _, c := range cs.byID {
		c.mu.RLock()
		if c.desc.Type == TypeScheduled && c.desc.PublishDate != nil && !c.desc.PublishComplete {
			out = append(out, c.desc.Clone())
		}
		c.mu.RUnlock()
	}
	return out
}

// Update 改名、改類型或發佈時間；發佈時間變更會重新排程
func (cs *Collections) Update(ctx context.Context, id, user string, req UpdateRequest) (*Collection, error) {
	c, err := cs.Get(id)
	if err != nil {
		return nil, err
	}

	if req.Type != "" && req.Type != TypeManual && req.Type != TypeScheduled {
		return nil, badRequest("", "unknown collection type %q", req.Type)
	}
	current := c.Description()
	if req.Type == TypeScheduled && req.PublishDate == nil && current.PublishDate == nil {
		return nil, badRequest("", "scheduled collection requires a publish date")
	}

	if name := strings.TrimSpace(req.Name); name != "" && name != current.Name {
		// 先等待進行中的轉換結束，再鎖註冊表
		c.opMu.Lock()
		cs.mu.Lock()
		err := cs.renameLocked(c, name)
		cs.mu.Unlock()
		c.opMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	err = c.Update(func(d *Description) {
		if req.Type != "" {
			d.Type = req.Type
		}
		if req.PublishDate != nil {
			t := req.PublishDate.UTC()
			d.PublishDate = &t
		}
		d.Events = append(d.Events, Event{Type: EventUpdated, Email: user, Date: time.Now().UTC()})
	})
	if err != nil {
		return nil, err
	}

	desc := c.Description()
	cs.mu.RLock()
	scheduler := cs.scheduler
	cs.mu.RUnlock()
	if scheduler != nil {
		if desc.Type == TypeScheduled {
			scheduler.SchedulePublish(desc)
		} else {
			scheduler.CancelPublish(id)
		}
	}

	cs.audit.LogCollectionChange(ctx, user, id, "update_collection", nil)
	return c, nil
}

// renameLocked 搬移集合目錄與描述檔，需持有 c.opMu 與 cs.mu
func (cs *Collections) renameLocked(c *Collection, name string) error {
	filename := Filename(name)
	if filename == "" {
		return badRequest("", "collection name required")
	}
	if cs.nameTakenLocked(filename, c.ID()) {
		return conflict("", "a collection named %q already exists", name)
	}

	newRoot := filepath.Join(cs.opts.CollectionsDir, filename)
	newJSON := newRoot + ".json"

	c.mu.Lock()
	defer c.mu.Unlock()

	if newRoot == c.root {
		c.desc.Name = name
		return c.saveLocked()
	}
	if err := os.Rename(c.root, newRoot); err != nil {
		return fmt.Errorf("failed to rename collection directory: %w", err)
	}
	oldJSON := c.jsonPath
	c.root, c.jsonPath = newRoot, newJSON
	c.desc.Name = name
	if err := c.saveLocked(); err != nil {
		return err
	}
	if err := os.Remove(oldJSON); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove old description: %w", err)
	}
	return nil
}

// Delete 刪除空集合
func (cs *Collections) Delete(ctx context.Context, id, user string) error {
	c, err := cs.Get(id)
	if err != nil {
		return err
	}
	if !c.IsEmpty() {
		return badRequest("", "collection %s still contains content", id)
	}

	cs.mu.Lock()
	delete(cs.byID, id)
	scheduler := cs.scheduler
	cs.mu.Unlock()

	c.mu.RLock()
	root, jsonPath := c.root, c.jsonPath
	c.mu.RUnlock()

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to delete collection directory: %w", err)
	}
	if err := os.Remove(jsonPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete collection description: %w", err)
	}
	if scheduler != nil {
		scheduler.CancelPublish(id)
	}
	if err := cs.keys.RemoveCollectionKey(ctx, id); err != nil {
		logger.Error(ctx, "failed to remove collection key",
			logger.WithCollectionID(id),
			logger.WithError(err))
	}

	cs.audit.LogCollectionChange(ctx, user, id, "delete_collection", nil)
	return nil
}

// Approve 所有內容都已審核時核准，並通知外部快取
func (cs *Collections) Approve(ctx context.Context, id, user string) error {
	c, err := cs.Get(id)
	if err != nil {
		return err
	}

	if err := cs.approve(c, user); err != nil {
		return err
	}

	uris := c.ReviewedURIs()
	if cs.notifier != nil {
		if err := cs.notifier.SendNotification(ctx, string(EventApproved), uris); err != nil {
			logger.Warning(ctx, "publish notification failed",
				logger.WithCollectionID(id),
				logger.WithError(err))
		}
	}

	logger.Info(ctx, "collection approved",
		logger.WithUserID(user),
		logger.WithCollectionID(id),
		logger.WithDetails(map[string]interface{}{"uris": len(uris)}))
	cs.audit.LogCollectionChange(ctx, user, id, "approve_collection", map[string]interface{}{"uris": len(uris)})
	return nil
}

// approve 持 opMu 寫鎖檢查並設定狀態，進行中的轉換結束前不會核准
func (cs *Collections) approve(c *Collection, user string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Description().ApprovalStatus == ApprovalComplete {
		return conflict("", "collection %s is already approved", c.ID())
	}
	if !c.IsAllContentReviewed() {
		return badRequest("", "collection %s cannot be approved until all content is reviewed", c.ID())
	}

	return c.Update(func(d *Description) {
		d.ApprovalStatus = ApprovalComplete
		d.Events = append(d.Events, Event{Type: EventApproved, Email: user, Date: time.Now().UTC()})
	})
}

// Unlock 撤回核准，內容可再次編輯
func (cs *Collections) Unlock(ctx context.Context, id, user string) error {
	c, err := cs.Get(id)
	if err != nil {
		return err
	}
	if c.Description().ApprovalStatus != ApprovalComplete {
		return badRequest("", "collection %s is not approved", id)
	}

	if err := c.Update(func(d *Description) {
		d.ApprovalStatus = ApprovalInProgress
		d.Events = append(d.Events, Event{Type: EventUnlocked, Email: user, Date: time.Now().UTC()})
	}); err != nil {
		return err
	}

	cs.audit.LogCollectionChange(ctx, user, id, "unlock_collection", nil)
	return nil
}

// Archive 發佈完成後把集合移到 publish-log 並從註冊表移除
func (cs *Collections) Archive(ctx context.Context, id string) error {
	c, err := cs.Get(id)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	delete(cs.byID, id)
	cs.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	dest := filepath.Join(cs.opts.ArchiveDir, id)
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := fsutil.Move(c.root, filepath.Join(dest, "content")); err != nil {
		return err
	}
	if err := fsutil.Move(c.jsonPath, filepath.Join(dest, "collection.json")); err != nil {
		return err
	}

	logger.Info(ctx, "collection archived", logger.WithCollectionID(id))
	return nil
}

// FindWorking 找出在工作狀態持有該 URI 的集合
func (cs *Collections) FindWorking(uri string) (*Collection, bool) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return nil, false
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.byID {
		if c.IsInCollection(uri) {
			return c, true
		}
	}
	return nil, false
}

func (cs *Collections) claimLock() func() {
	cs.claimMu.Lock()
	return cs.claimMu.Unlock
}

func (cs *Collections) workingElsewhere(uri, selfID string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for id, c := range cs.byID {
		if id != selfID && c.IsInCollection(uri) {
			return true
		}
	}
	return false
}

func (cs *Collections) nameTakenLocked(filename, exceptID string) bool {
	for id, c := range cs.byID {
		if id == exceptID {
			continue
		}
		c.mu.RLock()
		taken := Filename(c.desc.Name) == filename
		c.mu.RUnlock()
		if taken {
			return true
		}
	}
	return false
}

func (cs *Collections) newCollection(desc *Description, root string) *Collection {
	return &Collection{
		desc:     desc,
		root:     root,
		jsonPath: root + ".json",
		master:   cs.opts.MasterDir,
		uriLocks: make(map[string]*uriLock),
		registry: cs,
		audit:    cs.audit,
	}
}

func (cs *Collections) load(jsonPath string) (*Collection, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	if desc.ID == "" {
		return nil, fmt.Errorf("collection description has no id")
	}
	desc.InProgressURIs, desc.CompleteURIs, desc.ReviewedURIs = nil, nil, nil
	if desc.EventsByURI == nil {
		desc.EventsByURI = map[string]Events{}
	}
	return cs.newCollection(&desc, strings.TrimSuffix(jsonPath, ".json")), nil
}
