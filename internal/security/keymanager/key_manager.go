package keymanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/security/audit"
)

// AccessDirectory 決定哪些用戶自動取得所有集合密鑰
type AccessDirectory interface {
	Administrators() []string
	Publishers() []string
}

// LiveKeyrings 已登入（已解鎖）的 keyring，分發時一併更新
type LiveKeyrings interface {
	Keyrings(email string) []*UserKeyring
}

// KeyManager 密鑰管理器
// 負責集合密鑰的建立、分發、轉移與撤銷
type KeyManager struct {
	mu       sync.Mutex // 序列化 keyring 的 load-modify-save
	store    *CollectionKeyStore
	keyrings KeyringRepository
	cache    *SchedulerKeyCache
	access   AccessDirectory
	live     LiveKeyrings
	audit    *audit.AuditService
}

// NewKeyManager 創建密鑰管理器
func NewKeyManager(store *CollectionKeyStore, keyrings KeyringRepository, cache *SchedulerKeyCache, access AccessDirectory, auditService *audit.AuditService) *KeyManager {
	return &KeyManager{
		store:    store,
		keyrings: keyrings,
		cache:    cache,
		access:   access,
		audit:    auditService,
	}
}

// SetLiveKeyrings 設定 session 來源（session manager 建立後才注入）
func (km *KeyManager) SetLiveKeyrings(live LiveKeyrings) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.live = live
}

// Cache 排程器密鑰快取
func (km *KeyManager) Cache() *SchedulerKeyCache {
	return km.cache
}

// Store 集合密鑰檔存儲
func (km *KeyManager) Store() *CollectionKeyStore {
	return km.store
}

// CreateKeyring 為新用戶建立並保存 keyring
func (km *KeyManager) CreateKeyring(ctx context.Context, email, password string) (*UserKeyring, error) {
	keyring, err := NewUserKeyring(email, password)
	if err != nil {
		return nil, err
	}
	if err := km.SaveKeyring(ctx, keyring); err != nil {
		return nil, err
	}
	return keyring, nil
}

// LoadKeyring 從存儲載入 keyring（鎖定狀態）
func (km *KeyManager) LoadKeyring(ctx context.Context, email string) (*UserKeyring, error) {
	stored, err := km.keyrings.Get(ctx, email)
	if err != nil {
		return nil, err
	}
	return LoadUserKeyring(stored), nil
}

// SaveKeyring 保存 keyring 的密文
func (km *KeyManager) SaveKeyring(ctx context.Context, keyring *UserKeyring) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.keyrings.Save(ctx, keyring.Stored())
}

// DistributeNewCollectionKey 新集合建立後分發密鑰
// 寫入密鑰檔，加入建立者、所有管理員與發佈者的 keyring，並放進排程器快取
func (km *KeyManager) DistributeNewCollectionKey(ctx context.Context, creator *UserKeyring, key *CollectionKey) error {
	if err := km.store.Write(key); err != nil {
		return err
	}

	recipients := km.recipients()
	if creator != nil {
		if err := creator.Add(key.CollectionID, key); err != nil {
			return err
		}
		if err := km.SaveKeyring(ctx, creator); err != nil {
			return fmt.Errorf("failed to save creator keyring: %w", err)
		}
		delete(recipients, normalizeEmail(creator.Email()))
	}

	distributed := make([]string, 0, len(recipients)+1)
	if creator != nil {
		distributed = append(distributed, creator.Email())
	}
	for _, email := range sortedKeys(recipients) {
		err := km.updateKeyring(ctx, email, func(k *UserKeyring) error {
			return k.Add(key.CollectionID, key)
		})
		if errors.Is(err, ErrKeyringNotFound) {
			// 尚未建立帳號的管理員，建帳號後由 TransferKeys 補上
			continue
		}
		if err != nil {
			return err
		}
		distributed = append(distributed, email)
	}

	km.cache.Add(key.CollectionID, key)

	logger.Info(ctx, "distributed new collection key",
		logger.WithCollectionID(key.CollectionID),
		logger.WithAction("distribute_key"),
		logger.WithDetails(map[string]interface{}{"recipients": len(distributed)}))
	km.audit.LogKeyDistributed(ctx, key.CollectionID, distributed)
	return nil
}

// GrantCollectionKey 授權單一用戶（例如檢視者）存取集合
func (km *KeyManager) GrantCollectionKey(ctx context.Context, collectionID, email string) error {
	key, err := km.store.Read(collectionID)
	if err != nil {
		return err
	}

	if err := km.updateKeyring(ctx, email, func(k *UserKeyring) error {
		return k.Add(collectionID, key)
	}); err != nil {
		return err
	}

	km.audit.LogKeyDistributed(ctx, collectionID, []string{email})
	return nil
}

// TransferKeys 把授權者持有的所有密鑰轉給另一用戶（新增管理員或發佈者時）
func (km *KeyManager) TransferKeys(ctx context.Context, from *UserKeyring, toEmail string) (int, error) {
	if from == nil || !from.IsUnlocked() {
		return 0, ErrKeyringLocked
	}

	keys := from.Keys()
	if len(keys) == 0 {
		return 0, nil
	}

	err := km.updateKeyring(ctx, toEmail, func(k *UserKeyring) error {
		for id, key := range keys {
			if err := k.Add(id, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info(ctx, "transferred collection keys",
		logger.WithUserID(toEmail),
		logger.WithAction("transfer_keys"),
		logger.WithDetails(map[string]interface{}{"count": len(keys), "from": from.Email()}))
	return len(keys), nil
}

// RevokeKeys 撤銷用戶所有密鑰（取消發佈者權限時），except 內的集合保留
func (km *KeyManager) RevokeKeys(ctx context.Context, email string, except ...string) error {
	keep := make(map[string]bool, len(except))
	for _, id := range except {
		keep[id] = true
	}

	return km.updateKeyring(ctx, email, func(k *UserKeyring) error {
		for id := range k.Stored().SealedKeys {
			if keep[id] {
				continue
			}
			k.Remove(id)
			km.audit.LogKeyRevoked(ctx, email, id)
		}
		return nil
	})
}

// RevokeCollectionKey 撤銷單一集合的存取
func (km *KeyManager) RevokeCollectionKey(ctx context.Context, collectionID, email string) error {
	err := km.updateKeyring(ctx, email, func(k *UserKeyring) error {
		k.Remove(collectionID)
		return nil
	})
	if err != nil {
		return err
	}
	km.audit.LogKeyRevoked(ctx, email, collectionID)
	return nil
}

// RemoveCollectionKey 集合刪除時移除密鑰檔與所有 keyring 中的條目
// 排程器快取不淘汰，集合已不存在所以不會再被讀取
func (km *KeyManager) RemoveCollectionKey(ctx context.Context, collectionID string) error {
	if err := km.store.Delete(collectionID); err != nil {
		return err
	}

	stored, err := km.keyrings.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range stored {
		if _, ok := s.SealedKeys[collectionID]; !ok {
			continue
		}
		if err := km.RevokeCollectionKey(ctx, collectionID, s.Email); err != nil {
			return err
		}
	}
	return nil
}

// RedistributeAfterReset 管理員重設密碼後，把管理員持有的密鑰補回用戶（限原本持有的集合）
func (km *KeyManager) RedistributeAfterReset(ctx context.Context, admin *UserKeyring, target *UserKeyring, previous []string) (int, error) {
	if admin == nil || !admin.IsUnlocked() {
		return 0, ErrKeyringLocked
	}

	restored := 0
	for _, id := range previous {
		key, ok := admin.Get(id)
		if !ok {
			continue
		}
		if err := target.Add(id, key); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, km.SaveKeyring(ctx, target)
}

// Stats 統計
func (km *KeyManager) Stats(ctx context.Context) (*KeyManagerStats, error) {
	ids, err := km.store.IDs()
	if err != nil {
		return nil, err
	}
	keyrings, err := km.keyrings.List(ctx)
	if err != nil {
		return nil, err
	}
	return &KeyManagerStats{
		StoredKeys: len(ids),
		CachedKeys: km.cache.Size(),
		Keyrings:   len(keyrings),
	}, nil
}

// updateKeyring 對用戶 keyring 做 load-modify-save
// 已登入的 keyring 直接修改（session 立即可用），否則從存儲載入鎖定版本
func (km *KeyManager) updateKeyring(ctx context.Context, email string, fn func(*UserKeyring) error) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	var live []*UserKeyring
	if km.live != nil {
		live = km.live.Keyrings(email)
	}

	if len(live) == 0 {
		keyring, err := km.LoadKeyring(ctx, email)
		if err != nil {
			return err
		}
		if err := fn(keyring); err != nil {
			return err
		}
		return km.keyrings.Save(ctx, keyring.Stored())
	}

	for _, keyring := range live {
		if err := fn(keyring); err != nil {
			return err
		}
	}
	return km.keyrings.Save(ctx, live[0].Stored())
}

// recipients 所有管理員與發佈者（小寫 email）
func (km *KeyManager) recipients() map[string]struct{} {
	out := make(map[string]struct{})
	if km.access == nil {
		return out
	}
	for _, email := range km.access.Administrators() {
		out[normalizeEmail(email)] = struct{}{}
	}
	for _, email := range km.access.Publishers() {
		out[normalizeEmail(email)] = struct{}{}
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
