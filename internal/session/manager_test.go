package session

import (
	"context"
	"testing"
	"time"

	"collection-gateway/internal/permissions"
	"collection-gateway/internal/security/encryption"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/database/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminEmail     = "admin@example.com"
	publisherEmail = "publisher@example.com"
	viewerEmail    = "viewer@example.com"
	password       = "correct horse"
)

type fixture struct {
	ctx   context.Context
	m     *Manager
	km    *keymanager.KeyManager
	perms *permissions.Store
	users *user.MemoryUserStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	perms, err := permissions.NewStore(t.TempDir())
	require.NoError(t, err)
	store, err := keymanager.NewCollectionKeyStore(t.TempDir(), make([]byte, 32))
	require.NoError(t, err)

	km := keymanager.NewKeyManager(store, keymanager.NewMemoryKeyringStore(), keymanager.NewSchedulerKeyCache(), perms, nil)
	users := user.NewMemoryUserStore()
	if opts.Secret == "" {
		opts.Secret = "test-secret-at-least-32-characters!!"
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}

	return &fixture{
		ctx:   context.Background(),
		m:     NewManager(users, km, perms, nil, opts),
		km:    km,
		perms: perms,
		users: users,
	}
}

// addUser 直接建立帳號與 keyring（非臨時密碼）
func (f *fixture) addUser(t *testing.T, email string) *keymanager.UserKeyring {
	t.Helper()
	hash, err := encryption.HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, f.users.Create(f.ctx, &user.User{Email: email, PasswordHash: hash}))
	keyring, err := f.km.CreateKeyring(f.ctx, email, password)
	require.NoError(t, err)
	return keyring
}

func (f *fixture) login(t *testing.T, email, pw string) (*Session, string) {
	t.Helper()
	s, token, err := f.m.Login(f.ctx, email, pw)
	require.NoError(t, err)
	return s, token
}

func (f *fixture) distribute(t *testing.T, collectionID string) *keymanager.CollectionKey {
	t.Helper()
	key, err := keymanager.NewCollectionKey(collectionID)
	require.NoError(t, err)
	require.NoError(t, f.km.DistributeNewCollectionKey(f.ctx, nil, key))
	return key
}

func TestLogin(t *testing.T) {
	f := newFixture(t, Options{})
	f.addUser(t, publisherEmail)

	s, token := f.login(t, "  Publisher@Example.com", password)
	assert.Equal(t, publisherEmail, s.Email)
	assert.NotEmpty(t, token)
	assert.True(t, s.Keyring().IsUnlocked())
	assert.Equal(t, 1, f.m.Count())

	got, err := f.m.Get(token)
	require.NoError(t, err)
	assert.Same(t, s, got)

	t.Run("WrongPassword", func(t *testing.T) {
		_, _, err := f.m.Login(f.ctx, publisherEmail, "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, _, err := f.m.Login(f.ctx, "ghost@example.com", password)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("Empty", func(t *testing.T) {
		_, _, err := f.m.Login(f.ctx, "", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestLogin_CreatesMissingKeyring(t *testing.T) {
	f := newFixture(t, Options{})
	hash, err := encryption.HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, f.users.Create(f.ctx, &user.User{Email: viewerEmail, PasswordHash: hash}))

	s, _ := f.login(t, viewerEmail, password)
	assert.True(t, s.Keyring().IsUnlocked())

	_, err = f.km.LoadKeyring(f.ctx, viewerEmail)
	assert.NoError(t, err)
}

func TestLogin_PopulatesSchedulerCache(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))
	require.NoError(t, f.perms.AddPublisher(f.ctx, adminEmail, publisherEmail))
	f.addUser(t, publisherEmail)

	key := f.distribute(t, "c1")

	// 重啟後快取是空的，第一次登入補回
	f.km.Cache().Clear()
	_, ok := f.km.Cache().Get("c1")
	require.False(t, ok)

	s, _ := f.login(t, publisherEmail, password)
	cached, ok := f.km.Cache().Get("c1")
	require.True(t, ok)
	assert.True(t, cached.Equal(key))

	got, ok := s.Key("c1")
	require.True(t, ok)
	assert.True(t, got.Equal(key))
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	f.addUser(t, publisherEmail)
	_, token := f.login(t, publisherEmail, password)

	_, err := f.m.Get("")
	assert.ErrorIs(t, err, ErrTokenRequired)
	assert.EqualError(t, err, "session ID required but empty")

	_, err = f.m.Get("not-a-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	other := NewTokenIssuer("another-secret-at-least-32-chars!!", "")
	forged, err := other.Issue(&Session{ID: "x", Email: publisherEmail, Start: time.Now(), ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.m.Get(forged)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	f.m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = f.m.Get(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.EqualError(t, err, "session expired")
}

func TestLogout(t *testing.T) {
	f := newFixture(t, Options{})
	f.addUser(t, publisherEmail)
	s, token := f.login(t, publisherEmail, password)

	require.NoError(t, f.m.Logout(token))
	assert.False(t, s.Keyring().IsUnlocked(), "logout should lock the keyring")

	_, err := f.m.Get(token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.m.Logout(token), ErrSessionNotFound)
}

func TestSessionTTL_LocksKeyring(t *testing.T) {
	f := newFixture(t, Options{TTL: 100 * time.Millisecond})
	f.addUser(t, publisherEmail)
	s, _ := f.login(t, publisherEmail, password)

	assert.Eventually(t, func() bool {
		return !s.Keyring().IsUnlocked()
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, f.m.Count())
}

func TestKeyrings_LiveDistribution(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))
	require.NoError(t, f.perms.AddPublisher(f.ctx, adminEmail, publisherEmail))
	f.addUser(t, publisherEmail)

	s1, _ := f.login(t, publisherEmail, password)
	s2, _ := f.login(t, publisherEmail, password)
	assert.Len(t, f.m.Keyrings("PUBLISHER@example.com"), 2)

	f.distribute(t, "c2")

	_, ok := s1.Key("c2")
	assert.True(t, ok, "first session should see the new key without re-login")
	_, ok = s2.Key("c2")
	assert.True(t, ok, "second session should see the new key without re-login")
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t, Options{})

	// 尚無管理員時可建立第一位用戶
	first, err := f.m.CreateUser(f.ctx, "", adminEmail, "Admin", password)
	require.NoError(t, err)
	assert.False(t, first.TemporaryPassword)
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))

	_, err = f.m.CreateUser(f.ctx, viewerEmail, "other@example.com", "", password)
	assert.ErrorIs(t, err, ErrNotAdministrator)

	_, err = f.m.CreateUser(f.ctx, adminEmail, "other@example.com", "", "")
	assert.ErrorIs(t, err, ErrPasswordRequired)

	created, err := f.m.CreateUser(f.ctx, adminEmail, "New@Example.com", "New", "temporary")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", created.Email)
	assert.True(t, created.TemporaryPassword)

	_, err = f.m.CreateUser(f.ctx, adminEmail, "new@example.com", "Dup", "temporary")
	assert.ErrorIs(t, err, user.ErrUserExists)

	// 臨時密碼需先更換才能登入
	_, _, err = f.m.Login(f.ctx, "new@example.com", "temporary")
	assert.ErrorIs(t, err, ErrPasswordChangeRequired)

	require.NoError(t, f.m.ChangePassword(f.ctx, "new@example.com", "temporary", "permanent"))
	s, _ := f.login(t, "new@example.com", "permanent")
	assert.True(t, s.Keyring().IsUnlocked())
}

func TestChangePassword_WhileLoggedIn(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))
	require.NoError(t, f.perms.AddPublisher(f.ctx, adminEmail, publisherEmail))
	f.addUser(t, publisherEmail)
	_, token := f.login(t, publisherEmail, password)

	assert.ErrorIs(t, f.m.ChangePassword(f.ctx, publisherEmail, "wrong", "new-password"), ErrInvalidCredentials)
	assert.ErrorIs(t, f.m.ChangePassword(f.ctx, publisherEmail, password, ""), ErrPasswordRequired)
	require.NoError(t, f.m.ChangePassword(f.ctx, publisherEmail, password, "new-password"))

	// 之後的分發會存回已登入的 keyring，不能覆蓋掉新密碼
	key := f.distribute(t, "c3")
	require.NoError(t, f.m.Logout(token))

	_, _, err := f.m.Login(f.ctx, publisherEmail, password)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	s, _ := f.login(t, publisherEmail, "new-password")
	got, ok := s.Key("c3")
	require.True(t, ok)
	assert.True(t, got.Equal(key))
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))
	f.addUser(t, adminEmail)
	viewer := f.addUser(t, viewerEmail)

	// 檢視者另有管理員沒有的 c5；管理員與檢視者都持有 c4
	other, err := keymanager.NewCollectionKey("c5")
	require.NoError(t, err)
	require.NoError(t, viewer.Add("c5", other))
	require.NoError(t, f.km.SaveKeyring(f.ctx, viewer))
	key := f.distribute(t, "c4")
	require.NoError(t, f.km.GrantCollectionKey(f.ctx, "c4", viewerEmail))

	admin, _ := f.login(t, adminEmail, password)
	_, viewerToken := f.login(t, viewerEmail, password)

	t.Run("RequiresAdministrator", func(t *testing.T) {
		vs, err := f.m.Get(viewerToken)
		require.NoError(t, err)
		_, err = f.m.ResetPassword(f.ctx, vs, adminEmail, "x")
		assert.ErrorIs(t, err, ErrNotAdministrator)
	})

	restored, err := f.m.ResetPassword(f.ctx, admin, viewerEmail, "reset-password")
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	_, err = f.m.Get(viewerToken)
	assert.ErrorIs(t, err, ErrSessionNotFound, "old sessions should be ended")

	_, _, err = f.m.Login(f.ctx, viewerEmail, "reset-password")
	assert.ErrorIs(t, err, ErrPasswordChangeRequired)

	require.NoError(t, f.m.ChangePassword(f.ctx, viewerEmail, "reset-password", "chosen-password"))
	s, _ := f.login(t, viewerEmail, "chosen-password")

	got, ok := s.Key("c4")
	require.True(t, ok)
	assert.True(t, got.Equal(key))
	_, ok = s.Key("c5")
	assert.False(t, ok, "keys the administrator does not hold cannot be restored")
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.perms.AddAdministrator(f.ctx, "", adminEmail))
	f.addUser(t, viewerEmail)
	_, token := f.login(t, viewerEmail, password)

	assert.ErrorIs(t, f.m.DeleteUser(f.ctx, viewerEmail, viewerEmail), ErrNotAdministrator)
	require.NoError(t, f.m.DeleteUser(f.ctx, adminEmail, viewerEmail))

	_, err := f.m.Get(token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = f.m.Login(f.ctx, viewerEmail, password)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
