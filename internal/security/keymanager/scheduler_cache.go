package keymanager

import (
	"sort"
	"sync"
)

// SchedulerKeyCache 排程器使用的明文密鑰快取
//
// 只在用戶登入（keyring 解鎖）或建立集合時填入，不會主動從磁碟載入，
// 行程存活期間不淘汰。排程器沒有 session，只能從這裡取得密鑰。
type SchedulerKeyCache struct {
	mu   sync.RWMutex
	keys map[string]*CollectionKey
}

// NewSchedulerKeyCache 創建空快取
func NewSchedulerKeyCache() *SchedulerKeyCache {
	return &SchedulerKeyCache{keys: make(map[string]*CollectionKey)}
}

// Get 取得密鑰；不存在不算錯誤，由呼叫端決定如何處理
func (c *SchedulerKeyCache) Get(collectionID string) (*CollectionKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, ok := c.keys[collectionID]
	if !ok {
		return nil, false
	}
	return key.Clone(), true
}

// Add 加入密鑰，已存在時不覆寫；回傳是否新增
func (c *SchedulerKeyCache) Add(collectionID string, key *CollectionKey) bool {
	if collectionID == "" || key == nil || key.SecretKey == nil {
		return false
	}

	// 第一次檢查：讀鎖
	c.mu.RLock()
	_, exists := c.keys[collectionID]
	c.mu.RUnlock()
	if exists {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// 第二次檢查
	if _, exists := c.keys[collectionID]; exists {
		return false
	}
	c.keys[collectionID] = key.Clone()
	return true
}

// PopulateFrom 把已解鎖 keyring 中快取沒有的密鑰補進來，回傳新增數量
func (c *SchedulerKeyCache) PopulateFrom(keyring *UserKeyring) int {
	if keyring == nil {
		return 0
	}

	added := 0
	for id, key := range keyring.Keys() {
		if c.Add(id, key) {
			added++
		}
	}
	return added
}

// Size 快取內的密鑰數量
func (c *SchedulerKeyCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// IDs 快取內的集合 ID
func (c *SchedulerKeyCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.keys))
	for id := range c.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear 清空快取（模擬行程重啟）
func (c *SchedulerKeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]*CollectionKey)
}
