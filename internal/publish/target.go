package publish

import (
	"context"
	"fmt"

	"collection-gateway/internal/collection"
)

// Target 一台發布目標主機
//
// Begin 開啟交易，Push 逐筆上傳內容，Commit 讓內容上線，
// Verify 回報交易是否已在主機上生效。
type Target interface {
	Host() string
	Begin(ctx context.Context) (string, error)
	Push(ctx context.Context, txID string, item collection.ContentItem) error
	Commit(ctx context.Context, txID string) error
	Verify(ctx context.Context, txID string) (bool, error)
}

// Phase 發布階段
type Phase string

const (
	PhaseBegin  Phase = "begin"
	PhasePush   Phase = "push"
	PhaseCommit Phase = "commit"
	PhaseVerify Phase = "verify"
)

// PublishError 單一主機在某階段的失敗
type PublishError struct {
	Host  string
	TxID  string
	Phase Phase
	URI   string
	Err   error
}

func (e *PublishError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("%s %s failed for %s (tx %s): %v", e.Host, e.Phase, e.URI, e.TxID, e.Err)
	}
	return fmt.Sprintf("%s %s failed (tx %s): %v", e.Host, e.Phase, e.TxID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
