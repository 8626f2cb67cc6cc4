package permissions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin     = "admin@example.com"
	publisher = "publisher@example.com"
	viewer    = "viewer@example.com"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.AddAdministrator(ctx, "", admin))
	require.NoError(t, s.AddPublisher(ctx, admin, publisher))
	require.NoError(t, s.GrantViewer(ctx, admin, "c1", viewer))
	return s
}

func TestStore_CreatesEmptyMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	am := s.Snapshot()
	assert.Empty(t, am.Administrators)
	assert.Empty(t, am.DigitalPublishingTeam)
	assert.NotNil(t, am.Collections)
	assert.False(t, s.HasAdministrator())
}

func TestStore_Roles(t *testing.T) {
	s := newTestStore(t)

	assert.True(t, s.IsAdministrator(admin))
	assert.False(t, s.IsAdministrator(publisher))
	assert.False(t, s.IsAdministrator(viewer))
	assert.False(t, s.IsAdministrator(""))

	// 管理員本身沒有編輯權
	assert.False(t, s.CanEdit(admin))
	assert.True(t, s.CanEdit(publisher))
	assert.False(t, s.CanEdit(viewer))

	assert.True(t, s.CanView(publisher, "c1"))
	assert.True(t, s.CanView(viewer, "c1"))
	assert.False(t, s.CanView(viewer, "c2"))
	assert.False(t, s.CanView("", "c1"))
}

func TestStore_CaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.IsPublisher("Publisher@Example.COM"))
	assert.True(t, s.IsAdministrator(" ADMIN@example.com "))
}

func TestStore_OnlyAdminsChangePermissions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	testCases := []struct {
		name     string
		operator string
		change   func(operator string) error
	}{
		{"add admin", publisher, func(op string) error { return s.AddAdministrator(ctx, op, "x@example.com") }},
		{"remove admin", viewer, func(op string) error { return s.RemoveAdministrator(ctx, op, admin) }},
		{"add publisher", publisher, func(op string) error { return s.AddPublisher(ctx, op, "x@example.com") }},
		{"remove publisher", "", func(op string) error { return s.RemovePublisher(ctx, op, publisher) }},
		{"grant viewer", viewer, func(op string) error { return s.GrantViewer(ctx, op, "c1", "x@example.com") }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.change(tc.operator), ErrUnauthorized)
		})
	}

	assert.True(t, s.IsAdministrator(admin))
	assert.True(t, s.IsPublisher(publisher))
}

func TestStore_FirstAdministratorOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AddAdministrator(ctx, "", admin))
	assert.True(t, s.HasAdministrator())
	assert.ErrorIs(t, s.AddAdministrator(ctx, "", "second@example.com"), ErrUnauthorized)

	require.NoError(t, s.RemoveAdministrator(ctx, admin, admin))
	assert.False(t, s.HasAdministrator())
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddAdministrator(ctx, "", admin))
	require.NoError(t, s.AddPublisher(ctx, admin, publisher))
	require.NoError(t, s.GrantViewer(ctx, admin, "c1", viewer))
	require.NoError(t, s.RevokeViewer(ctx, admin, "c1", viewer))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{admin}, reloaded.Administrators())
	assert.Equal(t, []string{publisher}, reloaded.Publishers())
	assert.Empty(t, reloaded.Viewers("c1"))
}

func TestStore_MigratesDataVisualisationPublishers(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"administrators":["admin@example.com"],"digitalPublishingTeam":["p@example.com"],"dataVisualisationPublishers":["DataVis@example.com"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(legacy), 0o600))

	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"datavis@example.com", "p@example.com"}, s.Publishers())
	assert.NotNil(t, s.Snapshot().Collections)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dataVisualisationPublishers")
}
