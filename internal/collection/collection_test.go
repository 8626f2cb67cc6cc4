package collection

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collection-gateway/internal/security/keymanager"
)

const (
	publisher1 = "publisher1@example.com"
	publisher2 = "publisher2@example.com"
	testURI    = "/economy/inflationandpriceindices/timeseries/a9er/data.json"
)

type fakeKeys struct {
	mu      sync.Mutex
	keys    map[string]*keymanager.CollectionKey
	removed []string
}

func (f *fakeKeys) DistributeNewCollectionKey(_ context.Context, _ *keymanager.UserKeyring, key *keymanager.CollectionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key.CollectionID] = key
	return nil
}

func (f *fakeKeys) RemoveCollectionKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeKeys) get(id string) *keymanager.CollectionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[id]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]string
}

func (n *fakeNotifier) SendNotification(_ context.Context, _ string, uris []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, uris)
	return nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func (s *fakeScheduler) SchedulePublish(d *Description) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[d.ID] = *d.PublishDate
}

func (s *fakeScheduler) CancelPublish(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	_, ok := s.scheduled[id]
	delete(s.scheduled, id)
	return ok
}

type fixture struct {
	cs        *Collections
	opts      Options
	keys      *fakeKeys
	notifier  *fakeNotifier
	scheduler *fakeScheduler
}

func newFixture(t *testing.T, encrypt bool) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		opts: Options{
			CollectionsDir: filepath.Join(root, "collections"),
			MasterDir:      filepath.Join(root, "master"),
			ArchiveDir:     filepath.Join(root, "publish-log"),
			Encrypt:        encrypt,
		},
		keys:      &fakeKeys{keys: map[string]*keymanager.CollectionKey{}},
		notifier:  &fakeNotifier{},
		scheduler: &fakeScheduler{scheduled: map[string]time.Time{}},
	}
	cs, err := NewCollections(f.opts, f.keys, f.notifier, nil)
	require.NoError(t, err)
	cs.SetScheduler(f.scheduler)
	f.cs = cs
	return f
}

func (f *fixture) create(t *testing.T, name string) *Collection {
	t.Helper()
	c, err := f.cs.Create(context.Background(), &Description{Name: name}, publisher1, nil)
	require.NoError(t, err)
	return c
}

func (f *fixture) publish(t *testing.T, uri, content string) {
	t.Helper()
	p := filepath.Join(f.opts.MasterDir, filepath.FromSlash(strings.TrimPrefix(uri, "/")))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
}

func (f *fixture) key(c *Collection) *keymanager.CollectionKey {
	return f.keys.get(c.ID())
}

func completeContent(t *testing.T, f *fixture, c *Collection) string {
	t.Helper()
	f.publish(t, testURI, `{"title":"CPI"}`)
	ok, err := c.Edit(publisher1, testURI, f.key(c))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Complete(publisher1, testURI)
	require.NoError(t, err)
	require.True(t, ok)
	return testURI
}

func TestCreate(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Population Release")

	created, err := c.Create(publisher1, testURI)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, c.IsInProgress(testURI))
	assert.True(t, c.Description().EventsByURI[testURI].HasEventForType(EventCreated))
}

func TestCreate_RejectsExistingContent(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, f *fixture, c *Collection)
	}{
		{"published", func(t *testing.T, f *fixture, c *Collection) {
			f.publish(t, testURI, "{}")
		}},
		{"in progress", func(t *testing.T, f *fixture, c *Collection) {
			_, err := c.Create(publisher1, testURI)
			require.NoError(t, err)
		}},
		{"complete", func(t *testing.T, f *fixture, c *Collection) {
			completeContent(t, f, c)
		}},
		{"reviewed", func(t *testing.T, f *fixture, c *Collection) {
			completeContent(t, f, c)
			require.NoError(t, c.Review(publisher2, testURI))
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			c := f.create(t, "Release")
			tc.setup(t, f, c)

			created, err := c.Create(publisher1, testURI)
			require.NoError(t, err)
			assert.False(t, created)
		})
	}
}

func TestCreate_UniqueAcrossCollections(t *testing.T) {
	f := newFixture(t, false)
	a := f.create(t, "Alpha")
	b := f.create(t, "Beta")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, c := range []*Collection{a, b, a, b} {
		wg.Add(1)
		go func(c *Collection) {
			defer wg.Done()
			ok, err := c.Create(publisher1, testURI)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, a.IsInProgress(testURI) != b.IsInProgress(testURI), "content must live in exactly one collection")

	holder, ok := f.cs.FindWorking(testURI)
	require.True(t, ok)
	assert.True(t, holder.IsInProgress(testURI))
}

func TestEdit(t *testing.T) {
	t.Run("published content is copied and encrypted", func(t *testing.T) {
		f := newFixture(t, true)
		c := f.create(t, "Release")
		f.publish(t, testURI, `{"title":"CPI"}`)

		edited, err := c.Edit(publisher1, testURI, f.key(c))
		require.NoError(t, err)
		assert.True(t, edited)

		onDisk, err := os.ReadFile(c.contentPath(StateInProgress, testURI))
		require.NoError(t, err)
		assert.False(t, bytes.Contains(onDisk, []byte("CPI")), "content should be encrypted at rest")

		data, err := c.ReadContent(testURI, f.key(c))
		require.NoError(t, err)
		assert.Equal(t, `{"title":"CPI"}`, string(data))
	})

	t.Run("encrypted collection requires key", func(t *testing.T) {
		f := newFixture(t, true)
		c := f.create(t, "Release")
		f.publish(t, testURI, "{}")

		_, err := c.Edit(publisher1, testURI, nil)
		assert.ErrorIs(t, err, ErrBadRequest)
	})

	t.Run("complete content moves back to in progress", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		completeContent(t, f, c)

		edited, err := c.Edit(publisher2, testURI, nil)
		require.NoError(t, err)
		assert.True(t, edited)
		assert.True(t, c.IsInProgress(testURI))
		assert.False(t, c.IsComplete(testURI))
	})

	t.Run("reviewed content moves back to in progress", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		completeContent(t, f, c)
		require.NoError(t, c.Review(publisher2, testURI))

		edited, err := c.Edit(publisher1, testURI, nil)
		require.NoError(t, err)
		assert.True(t, edited)
		assert.True(t, c.IsInProgress(testURI))
		assert.False(t, c.IsReviewed(testURI))
	})

	t.Run("already editing", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		_, _ = c.Create(publisher1, testURI)

		edited, err := c.Edit(publisher1, testURI, nil)
		require.NoError(t, err)
		assert.True(t, edited)
		assert.Len(t, c.Description().EventsByURI[testURI], 2)
	})

	t.Run("editing elsewhere", func(t *testing.T) {
		f := newFixture(t, false)
		a := f.create(t, "Alpha")
		b := f.create(t, "Beta")
		f.publish(t, testURI, "{}")
		_, err := a.Edit(publisher1, testURI, nil)
		require.NoError(t, err)

		edited, err := b.Edit(publisher1, testURI, nil)
		require.NoError(t, err)
		assert.False(t, edited)
	})

	t.Run("does not exist", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")

		edited, err := c.Edit(publisher1, testURI, nil)
		require.NoError(t, err)
		assert.False(t, edited)
	})
}

func TestComplete(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	assert.True(t, c.IsComplete(testURI))
	assert.False(t, c.IsInProgress(testURI))
	assert.True(t, c.Description().EventsByURI[testURI].HasEventForType(EventCompleted))

	// 已完成再完成一次
	ok, err := c.Complete(publisher1, testURI)
	require.NoError(t, err)
	assert.False(t, ok)

	// 沒有在編輯
	ok, err = c.Complete(publisher1, "/not/edited.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Review(publisher2, testURI))
	ok, err = c.Complete(publisher1, testURI)
	require.NoError(t, err)
	assert.False(t, ok, "reviewed content cannot be completed")
}

func TestComplete_NoExtension(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	uri := "/economy/data"

	_, err := c.Create(publisher1, uri)
	require.NoError(t, err)
	ok, err := c.Complete(publisher1, uri)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsComplete(uri))
	assert.False(t, c.IsInProgress(uri))
}

func TestComplete_ConcurrentSameURI(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	_, err := c.Create(publisher1, testURI)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.Complete(publisher1, testURI); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	completed := 0
	for _, ev := range c.Description().EventsByURI[testURI] {
		if ev.Type == EventCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestReview(t *testing.T) {
	t.Run("different reviewer succeeds", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		completeContent(t, f, c)

		require.NoError(t, c.Review(publisher2, testURI))
		assert.True(t, c.IsReviewed(testURI))
		assert.False(t, c.IsComplete(testURI))
		assert.True(t, c.Description().EventsByURI[testURI].HasEventForType(EventReviewed))
	})

	t.Run("completer cannot review", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		completeContent(t, f, c)

		err := c.Review(strings.ToUpper(publisher1), testURI)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.True(t, c.IsComplete(testURI))
	})

	t.Run("not completed", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		f.publish(t, testURI, "{}")
		_, _ = c.Edit(publisher1, testURI, nil)

		assert.ErrorIs(t, c.Review(publisher2, testURI), ErrBadRequest)
	})

	t.Run("already reviewed", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")
		completeContent(t, f, c)
		require.NoError(t, c.Review(publisher2, testURI))

		assert.ErrorIs(t, c.Review(publisher2, testURI), ErrBadRequest)
	})

	t.Run("never completed", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.create(t, "Release")

		assert.ErrorIs(t, c.Review(publisher1, testURI), ErrNotFound)
	})
}

func TestMoveContent(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	to := "/economy/inflationandpriceindices/timeseries/b7x2/data.json"
	moved, err := c.MoveContent(publisher1, testURI, to)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.True(t, c.IsComplete(to))
	assert.False(t, c.IsInCollection(testURI))

	events := c.Description().EventsByURI[testURI]
	last, ok := events.MostRecent(EventMoved)
	require.True(t, ok)
	assert.Contains(t, last.Note, to)

	moved, err = c.MoveContent(publisher1, "/missing.json", to)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestMoveContent_DestinationInOtherState(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	other := "/economy/other/data.json"
	_, err := c.Create(publisher1, other)
	require.NoError(t, err)

	moved, err := c.MoveContent(publisher1, other, testURI)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, moved)
	assert.True(t, c.IsInProgress(other))
	assert.True(t, c.IsComplete(testURI))
	assert.False(t, c.IsInProgress(testURI))
}

func TestMoveContent_KeepsReviewerSeparation(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	to := "/economy/moved/data.json"
	moved, err := c.MoveContent(publisher1, testURI, to)
	require.NoError(t, err)
	require.True(t, moved)

	events := c.Description().EventsByURI[to]
	assert.True(t, events.HasEventForType(EventCompleted))
	last, ok := events.MostRecent(EventMoved)
	require.True(t, ok)
	assert.Contains(t, last.Note, testURI)

	assert.ErrorIs(t, c.Review(publisher1, to), ErrUnauthorized)
	assert.True(t, c.IsComplete(to))
	require.NoError(t, c.Review(publisher2, to))
}

func TestApprovedCollectionIsReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)
	require.NoError(t, c.Review(publisher2, testURI))
	require.NoError(t, f.cs.Approve(ctx, c.ID(), publisher2))

	other := "/economy/other/data.json"
	mutations := map[string]func() error{
		"create": func() error {
			_, err := c.Create(publisher1, other)
			return err
		},
		"edit": func() error {
			_, err := c.Edit(publisher1, testURI, nil)
			return err
		},
		"complete": func() error {
			_, err := c.Complete(publisher1, testURI)
			return err
		},
		"review": func() error {
			return c.Review(publisher2, testURI)
		},
		"move": func() error {
			_, err := c.MoveContent(publisher1, testURI, other)
			return err
		},
		"delete": func() error {
			_, err := c.DeleteContent(publisher1, testURI)
			return err
		},
		"write": func() error {
			return c.WriteContent(publisher1, testURI, strings.NewReader("x"), nil)
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, mutate(), ErrConflict)
		})
	}

	desc := c.Description()
	assert.Equal(t, ApprovalComplete, desc.ApprovalStatus)
	assert.True(t, c.IsAllContentReviewed())
	assert.Equal(t, []string{testURI}, desc.ReviewedURIs)

	require.NoError(t, f.cs.Unlock(ctx, c.ID(), publisher1))
	edited, err := c.Edit(publisher1, testURI, nil)
	require.NoError(t, err)
	assert.True(t, edited)
	assert.True(t, c.IsInProgress(testURI))
}

func TestDeleteContent(t *testing.T) {
	testCases := []struct {
		name  string
		state State
	}{
		{"in progress", StateInProgress},
		{"complete", StateComplete},
		{"reviewed", StateReviewed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			c := f.create(t, "Release")

			for _, name := range []string{"data.json", "data.csv", "other.json"} {
				p := filepath.Join(c.statePath(tc.state), "economy", name)
				require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
				require.NoError(t, os.WriteFile(p, []byte("x"), 0o640))
			}

			deleted, err := c.DeleteContent(publisher1, "/economy/data.json")
			require.NoError(t, err)
			assert.True(t, deleted)

			assert.NoFileExists(t, filepath.Join(c.statePath(tc.state), "economy", "data.json"))
			assert.NoFileExists(t, filepath.Join(c.statePath(tc.state), "economy", "data.csv"))
			assert.FileExists(t, filepath.Join(c.statePath(tc.state), "economy", "other.json"))
			assert.True(t, c.Description().EventsByURI["/economy/data.json"].HasEventForType(EventDeleted))
		})
	}

	f := newFixture(t, false)
	c := f.create(t, "Release")
	deleted, err := c.DeleteContent(publisher1, "/absent.json")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWriteAndReviewedContent(t *testing.T) {
	f := newFixture(t, true)
	c := f.create(t, "Release")
	key := f.key(c)

	_, err := c.Create(publisher1, "/a/data.json")
	require.NoError(t, err)
	require.NoError(t, c.WriteContent(publisher1, "/a/data.json", strings.NewReader(`{"v":1}`), key))

	err = c.WriteContent(publisher1, "/b/data.json", strings.NewReader("x"), key)
	assert.ErrorIs(t, err, ErrBadRequest, "writing requires the content to be in progress")

	_, err = c.Complete(publisher1, "/a/data.json")
	require.NoError(t, err)
	require.NoError(t, c.Review(publisher2, "/a/data.json"))

	items, err := c.ReviewedContent(key)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/a/data.json", items[0].URI)
	assert.Equal(t, `{"v":1}`, string(items[0].Data))

	other, _ := keymanager.NewCollectionKey("other")
	_, err = c.ReviewedContent(other)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestNormalizeURI(t *testing.T) {
	testCases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/a/b.json", "/a/b.json", false},
		{"a/b.json", "/a/b.json", false},
		{"/a//b.json", "/a/b.json", false},
		{"/a/../b.json", "", true},
		{"/", "", true},
		{"", "", true},
		{"/a/.hidden", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeURI(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
