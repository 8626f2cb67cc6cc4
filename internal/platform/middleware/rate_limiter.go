package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"collection-gateway/internal/security/audit"

	"github.com/gin-gonic/gin"
)

const defaultCleanupInterval = 5 * time.Minute

// RateLimiter 固定窗口速率限制器（依來源 IP）
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	rate     int           // 每個時間窗口允許的請求數
	window   time.Duration // 時間窗口
	stop     chan struct{}
	once     sync.Once
}

// Visitor 訪問者信息
type Visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
// cleanup: 清理閒置訪問者的間隔，<= 0 使用預設值
func NewRateLimiter(rate int, window, cleanup time.Duration) *RateLimiter {
	if cleanup <= 0 {
		cleanup = defaultCleanupInterval
	}
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		rate:     rate,
		window:   window,
		stop:     make(chan struct{}),
	}

	go rl.cleanupVisitors(cleanup)

	return rl
}

// Middleware 返回 Gin 中間件，超限時寫審計記錄
func (rl *RateLimiter) Middleware(auditService *audit.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := GetClientIP(c)
		if !rl.Allow(ip) {
			auditService.LogRateLimitExceeded(c.Request.Context(), ip, c.FullPath())
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			abortJSON(c, http.StatusTooManyRequests, "請求過於頻繁，請稍後再試")
			return
		}
		c.Next()
	}
}

// Allow 檢查是否允許請求
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[ip]

	if !exists {
		rl.visitors[ip] = &Visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	visitor.lastSeen = now

	// 時間窗口已過，重置計數器
	if now.After(visitor.resetTime) {
		visitor.requests = 1
		visitor.resetTime = now.Add(rl.window)
		return true
	}

	if visitor.requests >= rl.rate {
		return false
	}

	visitor.requests++
	return true
}

// Stop 停止清理 goroutine
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// cleanupVisitors 定期清理閒置超過兩個窗口的訪問者記錄
func (rl *RateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, visitor := range rl.visitors {
				if now.Sub(visitor.lastSeen) > 2*rl.window {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
