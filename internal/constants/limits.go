package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 分頁相關常數
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// 集合相關常數
const (
	MaxCollectionNameLength = 100
	MaxURILength            = 1024
)

// 帳號相關常數
const (
	MinPasswordLength = 8
	MaxEmailLength    = 254
	MaxUserNameLength = 100
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultLoginRateLimit       = 10
	RateLimitCleanupIntervalMin = 5 // 分鐘
)

// Session 默認值
const (
	DefaultSessionTTLMinutes = 60
	DefaultMaxSessions       = 1000
)

// 加密相關常數
const (
	MasterKeyLength = 32 // 256 bits
)
