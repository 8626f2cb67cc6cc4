package publish

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// task 排程項目；index 由 heap 維護，取消時 index 為 -1
type task struct {
	id    string
	at    time.Time
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler 依期限觸發的排程器：一個 goroutine、一個 timer、一個最小堆
// 每個 ID 最多一個待執行項目，重新排程會取代舊的
type Scheduler struct {
	mu    sync.Mutex
	tasks taskHeap
	byID  map[string]*task
	wake  chan struct{}
	fire  func(ctx context.Context, id string)

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler fire 在各自的 goroutine 中執行
func NewScheduler(fire func(ctx context.Context, id string)) *Scheduler {
	return &Scheduler{
		byID: make(map[string]*task),
		wake: make(chan struct{}, 1),
		fire: fire,
	}
}

// Schedule 安排或重新安排
func (s *Scheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	if old, ok := s.byID[id]; ok {
		heap.Remove(&s.tasks, old.index)
	}
	t := &task{id: id, at: at}
	heap.Push(&s.tasks, t)
	s.byID[id] = t
	scheduledPublishes.Set(float64(len(s.byID)))
	s.mu.Unlock()

	s.signal()
}

// Cancel 取消待執行項目；已觸發或不存在時回傳 false
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.byID[id]
	if ok {
		heap.Remove(&s.tasks, t.index)
		delete(s.byID, id)
		scheduledPublishes.Set(float64(len(s.byID)))
	}
	s.mu.Unlock()

	if ok {
		s.signal()
	}
	return ok
}

// Deadline 待執行項目的觸發時間
func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// Pending 待執行項目數
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start 啟動排程 goroutine；重複呼叫無效
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx)
}

// Stop 停止排程並等待已觸發的工作結束，不會取消執行中的工作
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// 推送開始後不可取消，Stop 只停止迴圈並等待
	fireCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, id := range s.due(time.Now()) {
			s.wg.Add(1)
			go func(id string) {
				defer s.wg.Done()
				s.fire(fireCtx, id)
			}(id)
		}

		wait, ok := s.next()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// due 取出所有已到期的項目
func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
		t := heap.Pop(&s.tasks).(*task)
		delete(s.byID, t.id)
		ids = append(ids, t.id)
	}
	if len(ids) > 0 {
		scheduledPublishes.Set(float64(len(s.byID)))
	}
	return ids
}

func (s *Scheduler) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return 0, false
	}
	return time.Until(s.tasks[0].at), true
}
