// Package collection 集合（編輯工作區）與內容狀態機
package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/fsutil"
)

// claimer 跨集合的 URI 占用檢查
type claimer interface {
	claimLock() func()
	workingElsewhere(uri, selfID string) bool
}

// Collection 一個集合：描述 JSON + inprogress/complete/reviewed 三個內容目錄
//
// 同一個 URI 的轉換以 per-URI 鎖序列化，不同 URI 可並行；
// 內容搬移使用同 volume 的 rename，讀者不會看到寫到一半的檔案。
type Collection struct {
	mu       sync.RWMutex // 保護 desc、root、jsonPath
	desc     *Description
	root     string
	jsonPath string
	master   string

	opMu     sync.RWMutex // 轉換持讀鎖，改名持寫鎖
	lockMu   sync.Mutex
	uriLocks map[string]*uriLock

	registry claimer
	audit    *audit.AuditService
}

type uriLock struct {
	mu   sync.Mutex
	refs int
}

// ID 集合 ID
func (c *Collection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desc.ID
}

// Description 描述副本，附上目前各狀態的 URI
func (c *Collection) Description() *Description {
	c.mu.RLock()
	d := c.desc.Clone()
	c.mu.RUnlock()

	d.InProgressURIs = c.InProgressURIs()
	d.CompleteURIs = c.CompleteURIs()
	d.ReviewedURIs = c.ReviewedURIs()
	return d
}

// IsEncrypted 內容是否加密
func (c *Collection) IsEncrypted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desc.IsEncrypted
}

// Create 在 in-progress 建立新內容
// URI 已存在於本集合、其他集合的工作狀態或已發佈內容時回傳 false
func (c *Collection) Create(user, uri string) (bool, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return false, err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return false, err
	}

	release := c.registry.claimLock()
	defer release()

	if _, ok := c.find(uri); ok {
		return false, nil
	}
	if c.registry.workingElsewhere(uri, c.ID()) {
		return false, nil
	}
	if fsutil.Exists(c.masterPath(uri)) {
		return false, nil
	}

	if err := fsutil.WriteFileAtomic(c.contentPath(StateInProgress, uri), nil, 0o640); err != nil {
		return false, err
	}

	return true, c.recordTransition(user, uri, EventCreated, "")
}

// Edit 把內容放進 in-progress
// 已在 in-progress 只記錄事件；在 complete/reviewed 時搬回 in-progress；
// 否則從已發佈內容複製（加密集合以 key 加密）
func (c *Collection) Edit(user, uri string, key *keymanager.CollectionKey) (bool, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return false, err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return false, err
	}

	inProgress := c.contentPath(StateInProgress, uri)
	if fsutil.Exists(inProgress) {
		return true, c.recordTransition(user, uri, EventEdited, "")
	}

	for _, state := range []State{StateReviewed, StateComplete} {
		src := c.contentPath(state, uri)
		if !fsutil.Exists(src) {
			continue
		}
		if fsutil.Exists(inProgress) {
			// 兩份副本同時存在時，只保留較新狀態的那份
			if err := os.Remove(src); err != nil {
				return false, fmt.Errorf("failed to remove stale copy: %w", err)
			}
		} else if err := fsutil.Move(src, inProgress); err != nil {
			return false, err
		}
		fsutil.PruneEmptyDirs(filepath.Dir(src), c.statePath(state))
	}
	if fsutil.Exists(inProgress) {
		return true, c.recordTransition(user, uri, EventEdited, "")
	}

	release := c.registry.claimLock()
	defer release()

	if c.registry.workingElsewhere(uri, c.ID()) {
		return false, nil
	}

	master := c.masterPath(uri)
	if !fsutil.Exists(master) {
		return false, nil
	}
	if err := c.copyFromMaster(master, inProgress, key); err != nil {
		return false, err
	}

	return true, c.recordTransition(user, uri, EventEdited, "")
}

// Complete in-progress → complete
func (c *Collection) Complete(user, uri string) (bool, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return false, err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return false, err
	}

	src := c.contentPath(StateInProgress, uri)
	if !fsutil.Exists(src) {
		return false, nil
	}
	if err := fsutil.Move(src, c.contentPath(StateComplete, uri)); err != nil {
		return false, err
	}
	fsutil.PruneEmptyDirs(filepath.Dir(src), c.statePath(StateInProgress))

	return true, c.recordTransition(user, uri, EventCompleted, "")
}

// Review complete → reviewed；審核者不能是最後完成或編輯該內容的人
func (c *Collection) Review(user, uri string) error {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return err
	}

	if fsutil.Exists(c.contentPath(StateReviewed, uri)) {
		return badRequest(uri, "content has already been reviewed")
	}

	src := c.contentPath(StateComplete, uri)
	if !fsutil.Exists(src) {
		if fsutil.Exists(c.contentPath(StateInProgress, uri)) {
			return badRequest(uri, "content has not been completed")
		}
		return notFound(uri, "content has not been completed in this collection")
	}

	c.mu.RLock()
	last, ok := c.desc.EventsByURI[uri].MostRecent(EventCompleted, EventEdited)
	c.mu.RUnlock()
	if ok && strings.EqualFold(last.Email, user) {
		c.audit.LogAccessDenied(context.Background(), user, c.ID(), "reviewer completed the content")
		return unauthorized(uri, "content must be reviewed by a different user")
	}

	if err := fsutil.Move(src, c.contentPath(StateReviewed, uri)); err != nil {
		return err
	}
	fsutil.PruneEmptyDirs(filepath.Dir(src), c.statePath(StateComplete))

	return c.recordTransition(user, uri, EventReviewed, "")
}

// MoveContent 在同一個工作狀態內改名，同狀態的目標會被覆寫
// 目標在本集合的其他狀態時回傳 ErrConflict
func (c *Collection) MoveContent(user, fromURI, toURI string) (bool, error) {
	from, err := NormalizeURI(fromURI)
	if err != nil {
		return false, err
	}
	to, err := NormalizeURI(toURI)
	if err != nil {
		return false, err
	}
	if from == to {
		return false, badRequest(from, "source and destination are the same")
	}

	unlock := c.lockURIs(from, to)
	defer unlock()

	if err := c.checkEditable(from); err != nil {
		return false, err
	}

	state, ok := c.find(from)
	if !ok {
		return false, nil
	}
	if current, held := c.find(to); held && current != state {
		return false, conflict(to, "destination is %s in this collection", current)
	}

	release := c.registry.claimLock()
	defer release()
	if c.registry.workingElsewhere(to, c.ID()) {
		return false, conflict(to, "destination is being edited in another collection")
	}

	src := c.contentPath(state, from)
	if err := fsutil.Move(src, c.contentPath(state, to)); err != nil {
		return false, err
	}
	fsutil.PruneEmptyDirs(filepath.Dir(src), c.statePath(state))

	return true, c.recordMove(user, from, to)
}

// DeleteContent 刪除內容及同目錄下同名不同副檔名的檔案
func (c *Collection) DeleteContent(user, uri string) (bool, error) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return false, err
	}

	unlock := c.lockURIs(uri)
	defer unlock()

	if err := c.checkEditable(uri); err != nil {
		return false, err
	}

	state, ok := c.find(uri)
	if !ok {
		return false, nil
	}

	target := c.contentPath(state, uri)
	dir := filepath.Dir(target)
	base := trimExt(filepath.Base(target))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read content directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || trimExt(e.Name()) != base {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to delete content: %w", err)
		}
	}
	fsutil.PruneEmptyDirs(dir, c.statePath(state))

	return true, c.recordTransition(user, uri, EventDeleted, "")
}

// State 內容目前的工作狀態
func (c *Collection) State(uri string) (State, bool) {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return "", false
	}
	return c.find(uri)
}

// IsInProgress 是否在 in-progress
func (c *Collection) IsInProgress(uri string) bool { return c.isIn(StateInProgress, uri) }

// IsComplete 是否在 complete
func (c *Collection) IsComplete(uri string) bool { return c.isIn(StateComplete, uri) }

// IsReviewed 是否在 reviewed
func (c *Collection) IsReviewed(uri string) bool { return c.isIn(StateReviewed, uri) }

// IsInCollection 是否在任一工作狀態
func (c *Collection) IsInCollection(uri string) bool {
	_, ok := c.State(uri)
	return ok
}

// InProgressURIs in-progress 內容
func (c *Collection) InProgressURIs() []string { return c.uris(StateInProgress) }

// CompleteURIs complete 內容
func (c *Collection) CompleteURIs() []string { return c.uris(StateComplete) }

// ReviewedURIs reviewed 內容
func (c *Collection) ReviewedURIs() []string { return c.uris(StateReviewed) }

// IsAllContentReviewed 沒有 in-progress 與 complete 內容
func (c *Collection) IsAllContentReviewed() bool {
	return len(c.InProgressURIs()) == 0 && len(c.CompleteURIs()) == 0
}

// IsEmpty 沒有任何內容
func (c *Collection) IsEmpty() bool {
	return c.IsAllContentReviewed() && len(c.ReviewedURIs()) == 0
}

// Update 在鎖內修改描述並保存
func (c *Collection) Update(fn func(d *Description)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.desc)
	return c.saveLocked()
}

// AddEvent 記錄集合層級事件
func (c *Collection) AddEvent(user string, eventType EventType, note string) error {
	return c.Update(func(d *Description) {
		d.Events = append(d.Events, Event{Type: eventType, Email: user, Date: time.Now().UTC(), Note: note})
	})
}

// AddPublishResult 追加一次發佈結果
func (c *Collection) AddPublishResult(rec PublishRecord) error {
	return c.Update(func(d *Description) {
		d.PublishResults = append(d.PublishResults, rec)
	})
}

func (c *Collection) recordTransition(user, uri string, eventType EventType, note string) error {
	c.mu.Lock()
	if c.desc.EventsByURI == nil {
		c.desc.EventsByURI = make(map[string]Events)
	}
	c.desc.EventsByURI[uri] = append(c.desc.EventsByURI[uri], Event{
		Type:  eventType,
		Email: user,
		Date:  time.Now().UTC(),
		Note:  note,
	})
	err := c.saveLocked()
	id := c.desc.ID
	c.mu.Unlock()

	c.logTransition(user, id, uri, eventType)
	return err
}

// recordMove 目標 URI 接手來源的事件歷史，審核時仍找得到最後完成或編輯的人
func (c *Collection) recordMove(user, from, to string) error {
	now := time.Now().UTC()

	c.mu.Lock()
	if c.desc.EventsByURI == nil {
		c.desc.EventsByURI = make(map[string]Events)
	}
	history := append(Events(nil), c.desc.EventsByURI[from]...)
	c.desc.EventsByURI[to] = append(c.desc.EventsByURI[to], history...)
	c.desc.EventsByURI[to] = append(c.desc.EventsByURI[to], Event{Type: EventMoved, Email: user, Date: now, Note: "moved from " + from})
	c.desc.EventsByURI[from] = append(c.desc.EventsByURI[from], Event{Type: EventMoved, Email: user, Date: now, Note: "moved to " + to})
	err := c.saveLocked()
	id := c.desc.ID
	c.mu.Unlock()

	c.logTransition(user, id, from, EventMoved)
	return err
}

func (c *Collection) logTransition(user, id, uri string, eventType EventType) {
	logger.Info(context.Background(), "content transition",
		logger.WithUserID(user),
		logger.WithCollectionID(id),
		logger.WithURI(uri),
		logger.WithAction(string(eventType)))
	c.audit.LogContentTransition(context.Background(), user, id, uri, string(eventType))
}

// checkEditable 已核准的集合要先撤回核准才能改內容；呼叫者需持有 opMu 讀鎖
func (c *Collection) checkEditable(uri string) error {
	c.mu.RLock()
	status := c.desc.ApprovalStatus
	c.mu.RUnlock()
	if status == ApprovalComplete {
		return conflict(uri, "collection is approved, unlock it before changing content")
	}
	return nil
}

func (c *Collection) saveLocked() error {
	data, err := json.MarshalIndent(c.desc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise collection description: %w", err)
	}
	return fsutil.WriteFileAtomic(c.jsonPath, data, 0o640)
}

// lockURIs 依排序取得多個 URI 鎖，避免死結
func (c *Collection) lockURIs(uris ...string) func() {
	sorted := append([]string(nil), uris...)
	sort.Strings(sorted)

	c.opMu.RLock()

	locks := make([]*uriLock, 0, len(sorted))
	c.lockMu.Lock()
	for i, uri := range sorted {
		if i > 0 && sorted[i-1] == uri {
			continue
		}
		l, ok := c.uriLocks[uri]
		if !ok {
			l = &uriLock{}
			c.uriLocks[uri] = l
		}
		l.refs++
		locks = append(locks, l)
	}
	c.lockMu.Unlock()

	for _, l := range locks {
		l.mu.Lock()
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].mu.Unlock()
		}
		c.lockMu.Lock()
		for i, uri := range sorted {
			if i > 0 && sorted[i-1] == uri {
				continue
			}
			if l := c.uriLocks[uri]; l != nil {
				l.refs--
				if l.refs == 0 {
					delete(c.uriLocks, uri)
				}
			}
		}
		c.lockMu.Unlock()
		c.opMu.RUnlock()
	}
}

func (c *Collection) find(uri string) (State, bool) {
	for _, state := range WorkingStates {
		if fsutil.Exists(c.contentPath(state, uri)) {
			return state, true
		}
	}
	return "", false
}

func (c *Collection) isIn(state State, uri string) bool {
	uri, err := NormalizeURI(uri)
	if err != nil {
		return false
	}
	return fsutil.Exists(c.contentPath(state, uri))
}

// uris 列出狀態目錄下所有內容（略過暫存檔）
func (c *Collection) uris(state State) []string {
	root := c.statePath(state)
	var out []string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		out = append(out, "/"+filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out
}

func (c *Collection) statePath(state State) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.root, string(state))
}

func (c *Collection) contentPath(state State, uri string) string {
	return filepath.Join(c.statePath(state), filepath.FromSlash(strings.TrimPrefix(uri, "/")))
}

func (c *Collection) masterPath(uri string) string {
	return filepath.Join(c.master, filepath.FromSlash(strings.TrimPrefix(uri, "/")))
}

// NormalizeURI 內容 URI 統一為 "/a/b/c.json"，拒絕跳出根目錄的路徑
func NormalizeURI(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", badRequest(uri, "uri required")
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	for _, seg := range strings.Split(uri, "/") {
		if seg == ".." {
			return "", badRequest(uri, "uri must not contain '..'")
		}
	}
	cleaned := path.Clean(uri)
	if cleaned == "/" || strings.Contains(cleaned, `\`) {
		return "", badRequest(uri, "invalid uri")
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", badRequest(uri, "uri segments must not start with '.'")
		}
	}
	return cleaned, nil
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
