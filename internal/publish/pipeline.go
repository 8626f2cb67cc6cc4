package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/platform/logger"
)

// 預設值
const (
	DefaultVerifyTimeout = 60 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultPushTimeout   = 2 * time.Minute
)

// ErrNoTargets 沒有設定任何發布目標
var ErrNoTargets = errors.New("no publish targets configured")

// PipelineOptions 逾時與輪詢設定
type PipelineOptions struct {
	PushTimeout   time.Duration
	VerifyTimeout time.Duration
	PollInterval  time.Duration
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.PushTimeout <= 0 {
		o.PushTimeout = DefaultPushTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Pipeline 推送到所有主機並等待驗證
type Pipeline struct {
	targets []Target
	opts    PipelineOptions
}

// NewPipeline 創建發布管線
func NewPipeline(targets []Target, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		targets: append([]Target(nil), targets...),
		opts:    opts.withDefaults(),
	}
}

// Hosts 目標主機名稱
func (p *Pipeline) Hosts() []string {
	hosts := make([]string, 0, len(p.targets))
	for _, t := range p.targets {
		hosts = append(hosts, t.Host())
	}
	return hosts
}

// Run 推送並驗證；單一主機失敗不影響其他主機，也不回滾
func (p *Pipeline) Run(ctx context.Context, collectionID string, items []collection.ContentItem) (*Result, error) {
	if len(p.targets) == 0 {
		return nil, ErrNoTargets
	}

	result := NewResult(collectionID, p.Hosts(), len(items))
	start := time.Now()

	pushed := p.push(ctx, result, items)
	p.verify(ctx, result, pushed)
	result.Finish()

	publishDuration.Observe(time.Since(start).Seconds())
	logger.Info(ctx, "publish pipeline finished",
		logger.WithCollectionID(collectionID),
		logger.WithAction("publish"),
		logger.WithDetails(map[string]interface{}{
			"hosts":         result.Hosts(),
			"verified":      result.Verified(),
			"verify_failed": result.VerifyFailed(),
			"items":         len(items),
		}))
	return result, nil
}

type pushedTx struct {
	target Target
	txID   string
}

// push 每台主機一個 goroutine，主機內依序推送
func (p *Pipeline) push(ctx context.Context, result *Result, items []collection.ContentItem) []pushedTx {
	var (
		mu     sync.Mutex
		pushed []pushedTx
		g      errgroup.Group
	)

	for _, t := range p.targets {
		g.Go(func() error {
			txID, perr := p.pushTo(ctx, t, result, items)
			if perr != nil {
				result.RecordError(perr)
				if result.RecordVerification(t.Host(), false) {
					publishVerifications.WithLabelValues(t.Host(), outcomeLabel(false)).Inc()
				}
				logger.Error(ctx, "publish push failed",
					logger.WithCollectionID(result.CollectionID),
					logger.WithHost(t.Host()),
					logger.WithURI(perr.URI),
					logger.WithError(perr))
				return nil
			}

			mu.Lock()
			pushed = append(pushed, pushedTx{target: t, txID: txID})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return pushed
}

func (p *Pipeline) pushTo(ctx context.Context, t Target, result *Result, items []collection.ContentItem) (string, *PublishError) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PushTimeout)
	defer cancel()

	host := t.Host()
	txID, err := t.Begin(ctx)
	if err != nil {
		return "", &PublishError{Host: host, Phase: PhaseBegin, Err: err}
	}
	result.RecordTransaction(host, txID)

	for _, item := range items {
		if err := t.Push(ctx, txID, item); err != nil {
			return txID, &PublishError{Host: host, TxID: txID, Phase: PhasePush, URI: item.URI, Err: err}
		}
	}

	if err := t.Commit(ctx, txID); err != nil {
		return txID, &PublishError{Host: host, TxID: txID, Phase: PhaseCommit, Err: err}
	}
	return txID, nil
}

// verify 每台已提交的主機輪詢直到確認或逾時，各自只記錄一次
func (p *Pipeline) verify(ctx context.Context, result *Result, pushed []pushedTx) {
	var g errgroup.Group
	for _, tx := range pushed {
		g.Go(func() error {
			ok, err := p.poll(ctx, tx)
			if !ok {
				result.RecordError(&PublishError{Host: tx.target.Host(), TxID: tx.txID, Phase: PhaseVerify, Err: err})
			}
			if result.RecordVerification(tx.target.Host(), ok) {
				publishVerifications.WithLabelValues(tx.target.Host(), outcomeLabel(ok)).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) poll(ctx context.Context, tx pushedTx) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := tx.target.Verify(ctx, tx.txID)
		if ok {
			return true, nil
		}
		if err != nil {
			lastErr = err
			logger.Warning(ctx, "publish verification attempt failed",
				logger.WithHost(tx.target.Host()),
				logger.WithError(err))
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return false, fmt.Errorf("verification timed out: %w", lastErr)
			}
			return false, fmt.Errorf("verification timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
