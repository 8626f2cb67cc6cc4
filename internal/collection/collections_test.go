package collection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollections_Create(t *testing.T) {
	f := newFixture(t, true)
	c := f.create(t, "Population Release")

	desc := c.Description()
	assert.NotEmpty(t, desc.ID)
	assert.Equal(t, ApprovalNotStarted, desc.ApprovalStatus)
	assert.Equal(t, OwnerPublishingSupport, desc.CollectionOwner)
	assert.True(t, desc.IsEncrypted)
	assert.True(t, desc.Events.HasEventForType(EventCreated))
	assert.NotNil(t, f.key(c), "a key should be minted and distributed")

	root := filepath.Join(f.opts.CollectionsDir, "populationrelease")
	assert.FileExists(t, root+".json")
	for _, state := range WorkingStates {
		assert.DirExists(t, filepath.Join(root, string(state)))
	}
}

func TestCollections_CreateValidation(t *testing.T) {
	f := newFixture(t, false)
	f.create(t, "Economy")

	_, err := f.cs.Create(context.Background(), &Description{Name: "  "}, publisher1, nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = f.cs.Create(context.Background(), &Description{Name: "economy"}, publisher1, nil)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.cs.Create(context.Background(), &Description{Name: "Labour", Type: TypeScheduled}, publisher1, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCollections_ScheduledCreateAndReschedule(t *testing.T) {
	f := newFixture(t, false)
	first := time.Now().Add(2 * time.Second).UTC()

	c, err := f.cs.Create(context.Background(), &Description{Name: "Scheduled", Type: TypeScheduled, PublishDate: &first}, publisher1, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, first, f.scheduler.scheduled[c.ID()], time.Millisecond)

	later := time.Now().Add(10 * time.Second).UTC()
	_, err = f.cs.Update(context.Background(), c.ID(), publisher1, UpdateRequest{PublishDate: &later})
	require.NoError(t, err)
	assert.WithinDuration(t, later, f.scheduler.scheduled[c.ID()], time.Millisecond)

	_, err = f.cs.Update(context.Background(), c.ID(), publisher1, UpdateRequest{Type: TypeManual})
	require.NoError(t, err)
	assert.NotContains(t, f.scheduler.scheduled, c.ID())
}

func TestCollections_Rename(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Population Release")
	_, err := c.Create(publisher1, testURI)
	require.NoError(t, err)

	_, err = f.cs.Update(context.Background(), c.ID(), publisher1, UpdateRequest{Name: "Economy Release"})
	require.NoError(t, err)

	assert.Equal(t, "Economy Release", c.Description().Name)
	assert.FileExists(t, filepath.Join(f.opts.CollectionsDir, "economyrelease.json"))
	assert.NoFileExists(t, filepath.Join(f.opts.CollectionsDir, "populationrelease.json"))
	assert.True(t, c.IsInProgress(testURI), "content should follow the rename")
}

func TestCollections_ApproveAndUnlock(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	err := f.cs.Approve(context.Background(), c.ID(), publisher2)
	assert.ErrorIs(t, err, ErrBadRequest, "cannot approve with unreviewed content")

	require.NoError(t, c.Review(publisher2, testURI))
	require.NoError(t, f.cs.Approve(context.Background(), c.ID(), publisher2))

	desc := c.Description()
	assert.Equal(t, ApprovalComplete, desc.ApprovalStatus)
	assert.True(t, desc.Events.HasEventForType(EventApproved))
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, []string{testURI}, f.notifier.calls[0])

	assert.ErrorIs(t, f.cs.Approve(context.Background(), c.ID(), publisher2), ErrConflict)

	require.NoError(t, f.cs.Unlock(context.Background(), c.ID(), publisher1))
	assert.Equal(t, ApprovalInProgress, c.Description().ApprovalStatus)
}

func TestCollections_Delete(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	_, err := c.Create(publisher1, testURI)
	require.NoError(t, err)

	assert.ErrorIs(t, f.cs.Delete(context.Background(), c.ID(), publisher1), ErrBadRequest)

	_, err = c.DeleteContent(publisher1, testURI)
	require.NoError(t, err)
	require.NoError(t, f.cs.Delete(context.Background(), c.ID(), publisher1))

	_, err = f.cs.Get(c.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, f.keys.removed, c.ID())
	assert.Contains(t, f.scheduler.cancelled, c.ID())
}

func TestCollections_ReloadFromDisk(t *testing.T) {
	f := newFixture(t, false)
	c := f.create(t, "Release")
	completeContent(t, f, c)

	reloaded, err := NewCollections(f.opts, f.keys, f.notifier, nil)
	require.NoError(t, err)

	again, err := reloaded.Get(c.ID())
	require.NoError(t, err)
	assert.True(t, again.IsComplete(testURI))
	assert.True(t, again.Description().EventsByURI[testURI].HasEventForType(EventCompleted))

	// 重新載入後審核規則依舊使用事件歷史
	assert.ErrorIs(t, again.Review(publisher1, testURI), ErrUnauthorized)
}

func TestCollections_ArchiveAndMaster(t *testing.T) {
	f := newFixture(t, true)
	c := f.create(t, "Release")
	completeContent(t, f, c)
	require.NoError(t, c.Review(publisher2, testURI))

	uris, err := c.CopyReviewedToMaster(f.key(c))
	require.NoError(t, err)
	assert.Equal(t, []string{testURI}, uris)

	data, err := os.ReadFile(filepath.Join(f.opts.MasterDir, "economy", "inflationandpriceindices", "timeseries", "a9er", "data.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"title":"CPI"}`, string(data))

	require.NoError(t, f.cs.Archive(context.Background(), c.ID()))
	_, err = f.cs.Get(c.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.FileExists(t, filepath.Join(f.opts.ArchiveDir, c.ID(), "collection.json"))
}
