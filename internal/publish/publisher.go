package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/keymanager"
)

var (
	ErrKeyNotCached      = errors.New("collection key not in scheduler cache")
	ErrNotApproved       = errors.New("collection is not approved for publishing")
	ErrPublishInProgress = errors.New("collection is already being published")
	ErrNotRepublishable  = errors.New("only collections whose publish failed can be republished")
)

// Collections 發布需要的集合操作
type Collections interface {
	Get(id string) (*collection.Collection, error)
	Scheduled() []*collection.Description
	Archive(ctx context.Context, id string) error
}

// ResultStore 發布結果的持久化
type ResultStore interface {
	SavePublishResult(ctx context.Context, rec collection.PublishRecord) error
}

// Publisher 排程並執行集合發布
type Publisher struct {
	collections Collections
	cache       *keymanager.SchedulerKeyCache
	pipeline    *Pipeline
	scheduler   *Scheduler
	results     ResultStore
	notifier    collection.Notifier
	audit       *audit.AuditService

	mu      sync.Mutex
	running map[string]bool
}

// NewPublisher results 與 notifier 可為 nil
func NewPublisher(collections Collections, cache *keymanager.SchedulerKeyCache, pipeline *Pipeline, results ResultStore, notifier collection.Notifier, auditService *audit.AuditService) *Publisher {
	p := &Publisher{
		collections: collections,
		cache:       cache,
		pipeline:    pipeline,
		results:     results,
		notifier:    notifier,
		audit:       auditService,
		running:     make(map[string]bool),
	}
	p.scheduler = NewScheduler(p.fire)
	return p
}

// Scheduler 底層排程器
func (p *Publisher) Scheduler() *Scheduler {
	return p.scheduler
}

// SchedulePublish 以集合的發布時間安排（取代既有排程）
func (p *Publisher) SchedulePublish(desc *collection.Description) {
	if desc == nil {
		return
	}
	if desc.PublishDate == nil {
		p.scheduler.Cancel(desc.ID)
		return
	}
	p.scheduler.Schedule(desc.ID, *desc.PublishDate)
	logger.Info(context.Background(), "collection scheduled for publish",
		logger.WithCollectionID(desc.ID),
		logger.WithDetails(map[string]interface{}{"publish_date": desc.PublishDate.UTC().Format(time.RFC3339)}))
}

// CancelPublish 取消排程
func (p *Publisher) CancelPublish(collectionID string) bool {
	return p.scheduler.Cancel(collectionID)
}

// Start 重新安排啟動前已排程且發布時間未到的集合，並啟動排程器
func (p *Publisher) Start(ctx context.Context) int {
	now := time.Now()
	armed := 0
	for _, desc := range p.collections.Scheduled() {
		if desc.PublishDate == nil || desc.PublishComplete {
			continue
		}
		if !desc.PublishDate.After(now) {
			logger.Warning(ctx, "scheduled publish date already passed, manual publish required",
				logger.WithCollectionID(desc.ID))
			continue
		}
		p.scheduler.Schedule(desc.ID, *desc.PublishDate)
		armed++
	}
	p.scheduler.Start(ctx)
	logger.Infof(ctx, "publish scheduler started with %d collections", armed)
	return armed
}

// Stop 停止排程器
func (p *Publisher) Stop() {
	p.scheduler.Stop()
}

func (p *Publisher) fire(ctx context.Context, collectionID string) {
	if _, err := p.Publish(ctx, collectionID); err != nil {
		logger.Error(ctx, "scheduled publish failed",
			logger.WithCollectionID(collectionID),
			logger.WithError(err))
	}
}

// Publish 立即發布已核准的集合
// 密鑰只從排程器快取取得；快取未命中直接失敗，不推送任何內容
func (p *Publisher) Publish(ctx context.Context, collectionID string) (*Result, error) {
	if !p.begin(collectionID) {
		return nil, ErrPublishInProgress
	}
	defer p.end(collectionID)

	c, err := p.collections.Get(collectionID)
	if err != nil {
		return nil, err
	}
	desc := c.Description()
	if desc.ApprovalStatus != collection.ApprovalComplete {
		return nil, fmt.Errorf("%w: status %s", ErrNotApproved, desc.ApprovalStatus)
	}
	if !c.IsAllContentReviewed() {
		return nil, fmt.Errorf("%w: content is awaiting review", ErrNotApproved)
	}

	key, ok := p.cache.Get(collectionID)
	if !ok {
		publishKeyCacheMiss.Inc()
		logger.Error(ctx, "collection key not in scheduler cache",
			logger.WithCollectionID(collectionID),
			logger.WithAction("publish"))
		return nil, ErrKeyNotCached
	}

	items, err := c.ReviewedContent(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read reviewed content: %w", err)
	}

	started := time.Now().UTC()
	if err := c.Update(func(d *collection.Description) { d.PublishStartDate = &started }); err != nil {
		return nil, err
	}

	result, err := p.pipeline.Run(ctx, collectionID, items)
	if err != nil {
		_ = c.Update(func(d *collection.Description) { d.ApprovalStatus = collection.ApprovalCompleteError })
		publishTotal.WithLabelValues(outcomeLabel(false)).Inc()
		return nil, err
	}

	record := result.Record()
	if err := c.AddPublishResult(record); err != nil {
		logger.Error(ctx, "failed to record publish result", logger.WithCollectionID(collectionID), logger.WithError(err))
	}
	if p.results != nil {
		if err := p.results.SavePublishResult(ctx, record); err != nil {
			logger.Error(ctx, "failed to persist publish result", logger.WithCollectionID(collectionID), logger.WithError(err))
		}
	}

	publishTotal.WithLabelValues(outcomeLabel(result.Success())).Inc()
	p.audit.LogPublish(ctx, collectionID, result.Success(), map[string]interface{}{
		"hosts":         result.Hosts(),
		"verified":      result.Verified(),
		"verify_failed": result.VerifyFailed(),
		"items":         len(items),
	})

	if !result.Success() {
		_ = c.Update(func(d *collection.Description) { d.ApprovalStatus = collection.ApprovalCompleteError })
		logger.Error(ctx, "collection publish incomplete",
			logger.WithCollectionID(collectionID),
			logger.WithDetails(map[string]interface{}{"errors": record.Errors}))
		return result, nil
	}

	return result, p.complete(ctx, c, key, result)
}

// complete 發布成功後的收尾：寫入已發布內容、記錄事件、通知並歸檔
func (p *Publisher) complete(ctx context.Context, c *collection.Collection, key *keymanager.CollectionKey, result *Result) error {
	id := c.ID()
	uris, err := c.CopyReviewedToMaster(key)
	if err != nil {
		return fmt.Errorf("failed to copy published content to master: %w", err)
	}

	ended := time.Now().UTC()
	txIDs := result.TransactionIDs()
	if err := c.Update(func(d *collection.Description) {
		d.PublishComplete = true
		d.PublishEndDate = &ended
		d.PublishTransactionIDs = txIDs
		d.Events = append(d.Events, collection.Event{Type: collection.EventPublished, Email: "system", Date: ended})
	}); err != nil {
		return err
	}

	if p.notifier != nil {
		if err := p.notifier.SendNotification(ctx, string(collection.EventPublished), uris); err != nil {
			logger.Warning(ctx, "publish notification failed", logger.WithCollectionID(id), logger.WithError(err))
		}
	}

	if err := p.collections.Archive(ctx, id); err != nil {
		return fmt.Errorf("failed to archive published collection: %w", err)
	}

	logger.Info(ctx, "collection published",
		logger.WithCollectionID(id),
		logger.WithAction("publish"),
		logger.WithDetails(map[string]interface{}{"uris": len(uris)}))
	return nil
}

// Republish 操作員重新發布先前失敗的集合
func (p *Publisher) Republish(ctx context.Context, collectionID, user string) (*Result, error) {
	c, err := p.collections.Get(collectionID)
	if err != nil {
		return nil, err
	}
	if c.Description().ApprovalStatus != collection.ApprovalCompleteError {
		return nil, ErrNotRepublishable
	}
	if !c.IsAllContentReviewed() {
		return nil, fmt.Errorf("%w: content is awaiting review", ErrNotApproved)
	}
	if err := c.Update(func(d *collection.Description) {
		d.ApprovalStatus = collection.ApprovalComplete
		d.Events = append(d.Events, collection.Event{Type: collection.EventApproved, Email: user, Date: time.Now().UTC(), Note: "republish"})
	}); err != nil {
		return nil, err
	}
	return p.Publish(ctx, collectionID)
}

func (p *Publisher) begin(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[id] {
		return false
	}
	p.running[id] = true
	return true
}

func (p *Publisher) end(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}
