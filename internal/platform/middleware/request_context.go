package middleware

import (
	"context"
	"strings"

	"collection-gateway/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// RequestMetadata 請求元數據
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	UserID    string // SessionAuth 驗證後填入
}

// Context keys
type contextKey string

const (
	requestMetadataKey contextKey = "request_metadata"
)

// RequestMetadataMiddleware 提取請求元數據並存儲到 context，審計記錄也從這裡取來源
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		metadata := &RequestMetadata{
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
		}

		c.Set(string(requestMetadataKey), metadata)

		ctx := context.WithValue(c.Request.Context(), requestMetadataKey, metadata)
		ctx = audit.WithClientInfo(ctx, metadata.IPAddress, metadata.UserAgent)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetClientIP 獲取客戶端真實 IP
func GetClientIP(c *gin.Context) string {
	// X-Forwarded-For 可能包含多個 IP，取第一個
	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := c.Request.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.ClientIP()
}

// GetRequestMetadata 從 context 獲取請求元數據
func GetRequestMetadata(ctx context.Context) *RequestMetadata {
	if metadata, ok := ctx.Value(requestMetadataKey).(*RequestMetadata); ok {
		return metadata
	}
	return &RequestMetadata{
		IPAddress: "unknown",
		UserAgent: "unknown",
	}
}

// GetRequestMetadataFromGin 從 gin.Context 獲取請求元數據
func GetRequestMetadataFromGin(c *gin.Context) *RequestMetadata {
	if metadata, exists := c.Get(string(requestMetadataKey)); exists {
		if meta, ok := metadata.(*RequestMetadata); ok {
			return meta
		}
	}
	return &RequestMetadata{
		IPAddress: GetClientIP(c),
		UserAgent: c.Request.UserAgent(),
	}
}
