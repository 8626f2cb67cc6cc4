package publish

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"collection-gateway/internal/collection"
)

// Result 一次發布的進度與結果
//
// 每台主機最多計入一次驗證結果：
// verified + verifyFailed + verifyInProgress 恆等於主機數。
type Result struct {
	ID           string
	CollectionID string
	StartTime    time.Time

	hosts      int
	verified   atomic.Int64
	failed     atomic.Int64
	inProgress atomic.Int64

	mu       sync.Mutex
	endTime  time.Time
	items    int
	txIDs    map[string]string
	outcomes map[string]bool
	errs     []*PublishError
}

// NewResult 所有主機一開始都在驗證中
func NewResult(collectionID string, hosts []string, items int) *Result {
	r := &Result{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		StartTime:    time.Now().UTC(),
		hosts:        len(hosts),
		items:        items,
		txIDs:        make(map[string]string, len(hosts)),
		outcomes:     make(map[string]bool, len(hosts)),
	}
	r.inProgress.Store(int64(len(hosts)))
	for _, h := range hosts {
		r.txIDs[h] = ""
	}
	return r
}

// RecordTransaction 記錄主機的交易 ID
func (r *Result) RecordTransaction(host, txID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txIDs[host] = txID
}

// RecordVerification 記錄主機的驗證結果，重複或未知主機回傳 false
func (r *Result) RecordVerification(host string, ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.txIDs[host]; !known {
		return false
	}
	if _, done := r.outcomes[host]; done {
		return false
	}
	r.outcomes[host] = ok

	// 先減 in-progress，讀者先讀結果再讀 in-progress 時總數不會超過主機數
	r.inProgress.Add(-1)
	if ok {
		r.verified.Add(1)
	} else {
		r.failed.Add(1)
	}
	return true
}

// RecordError 追加錯誤
func (r *Result) RecordError(err *PublishError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Finish 記錄結束時間
func (r *Result) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endTime = time.Now().UTC()
}

func (r *Result) Hosts() int { return r.hosts }

func (r *Result) Verified() int64 { return r.verified.Load() }

func (r *Result) VerifyFailed() int64 { return r.failed.Load() }

func (r *Result) VerifyInProgress() int64 { return r.inProgress.Load() }

// Success 所有主機都已驗證
func (r *Result) Success() bool {
	return r.hosts > 0 && r.verified.Load() == int64(r.hosts)
}

// Errors 錯誤副本
func (r *Result) Errors() []*PublishError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PublishError(nil), r.errs...)
}

// TransactionIDs host → txID，尚未開啟交易的主機不列出
func (r *Result) TransactionIDs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.txIDs))
	for h, tx := range r.txIDs {
		if tx != "" {
			out[h] = tx
		}
	}
	return out
}

// Record 轉為集合描述中保存的快照
func (r *Result) Record() collection.PublishRecord {
	txIDs := r.TransactionIDs()

	r.mu.Lock()
	defer r.mu.Unlock()

	errs := make([]string, 0, len(r.errs))
	for _, e := range r.errs {
		errs = append(errs, e.Error())
	}
	sort.Strings(errs)

	return collection.PublishRecord{
		ID:                    r.ID,
		CollectionID:          r.CollectionID,
		StartTime:             r.StartTime,
		EndTime:               r.endTime,
		TransactionIDs:        txIDs,
		Hosts:                 r.hosts,
		VerifiedCount:         r.verified.Load(),
		VerifyFailedCount:     r.failed.Load(),
		VerifyInProgressCount: r.inProgress.Load(),
		Items:                 r.items,
		Success:               r.hosts > 0 && r.verified.Load() == int64(r.hosts),
		Errors:                errs,
	}
}
