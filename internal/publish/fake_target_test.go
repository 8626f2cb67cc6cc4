package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"collection-gateway/internal/collection"
)

// fakeTarget 可設定在各階段失敗的目標主機
type fakeTarget struct {
	host        string
	beginErr    error
	pushErr     error
	commitErr   error
	verifyAfter int32 // 第幾次 Verify 開始回傳 true；<0 永遠不會
	verifyErr   error

	begins      atomic.Int32
	verifyCalls atomic.Int32

	mu     sync.Mutex
	pushed map[string][]collection.ContentItem
}

func newFakeTarget(host string) *fakeTarget {
	return &fakeTarget{host: host, verifyAfter: 1, pushed: map[string][]collection.ContentItem{}}
}

func (f *fakeTarget) Host() string { return f.host }

func (f *fakeTarget) Begin(context.Context) (string, error) {
	n := f.begins.Add(1)
	if f.beginErr != nil {
		return "", f.beginErr
	}
	return fmt.Sprintf("%s-tx-%d", f.host, n), nil
}

func (f *fakeTarget) Push(_ context.Context, txID string, item collection.ContentItem) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[txID] = append(f.pushed[txID], item)
	return nil
}

func (f *fakeTarget) Commit(context.Context, string) error {
	return f.commitErr
}

func (f *fakeTarget) Verify(context.Context, string) (bool, error) {
	n := f.verifyCalls.Add(1)
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.verifyAfter >= 0 && n >= f.verifyAfter, nil
}

func (f *fakeTarget) pushedItems() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, items := range f.pushed {
		n += len(items)
	}
	return n
}
