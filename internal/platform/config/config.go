package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Security     SecurityConfig     `mapstructure:"security"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Publish      PublishConfig      `mapstructure:"publish"`
	S3           S3Config           `mapstructure:"s3"`
	Notification NotificationConfig `mapstructure:"notification"`
	Session      SessionConfig      `mapstructure:"session"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Timeout  int    `mapstructure:"timeout"`
	UseHTTPS bool   `mapstructure:"use_https"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
	// AllowedOrigins CORS 允許的來源
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// GRPCConfig gRPC 配置（發布目標主機使用）.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
type DatabaseConfig struct {
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 配置.
type MongoConfig struct {
	URL                    string `mapstructure:"url"`
	Database               string `mapstructure:"database"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_time"`
	ConnectTimeout         int    `mapstructure:"connect_timeout"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout"`
	TLSEnabled             bool   `mapstructure:"tls_enabled"`
	TLSCAFile              string `mapstructure:"tls_ca_file"`
	TLSCertFile            string `mapstructure:"tls_cert_file"`
	TLSKeyFile             string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify  bool   `mapstructure:"tls_insecure_skip_verify"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Encryption     EncryptionConfig     `mapstructure:"encryption"`
	Audit          AuditConfig          `mapstructure:"audit"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
type AuthenticationConfig struct {
	JWTEnabled bool   `mapstructure:"jwt_enabled"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	Expiration string `mapstructure:"expiration"`
}

// EncryptionConfig 加密配置.
type EncryptionConfig struct {
	// EncryptCollections 新建 collection 是否預設加密內容
	EncryptCollections bool `mapstructure:"encrypt_collections"`
	KeyLength          int  `mapstructure:"key_length"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig `mapstructure:"request"`
	RateLimiting RateLimitingConfig  `mapstructure:"rate_limiting"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig Rate Limiting 配置.
type RateLimitingConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	DefaultPerMinute int  `mapstructure:"default_per_minute"`
	LoginPerMinute   int  `mapstructure:"login_per_minute"`
	CleanupInterval  int  `mapstructure:"cleanup_interval_minutes"`
}

// StorageConfig 檔案儲存配置.
type StorageConfig struct {
	// RootPath 根目錄，底下有 collections/、keyring/、master/ 與 permissions/
	RootPath string `mapstructure:"root_path"`
}

// PublishConfig 發布配置.
type PublishConfig struct {
	VerifyTimeoutSeconds int            `mapstructure:"verify_timeout_seconds"`
	VerifyPollIntervalMS int            `mapstructure:"verify_poll_interval_ms"`
	PushTimeoutSeconds   int            `mapstructure:"push_timeout_seconds"`
	Targets              []TargetConfig `mapstructure:"targets"`
	// TargetToken 閘道與目標主機之間的共用 bearer token，空字串表示不驗證
	TargetToken string `mapstructure:"target_token"`
}

// TargetConfig 單一發布目標主機.
type TargetConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"` // http, grpc, s3
	Address string `mapstructure:"address"`
}

// S3Config S3 發布目標配置.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// NotificationConfig 快取失效通知配置.
type NotificationConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig 會話配置.
type SessionConfig struct {
	TTLMinutes  int `mapstructure:"ttl_minutes"`
	MaxSessions int `mapstructure:"max_sessions"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	v := viper.New()

	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 敏感值允許由環境變數覆蓋
	_ = v.BindEnv("security.authentication.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("s3.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("s3.secret_key", "S3_SECRET_KEY")
	_ = v.BindEnv("storage.root_path", "STORAGE_ROOT")
	_ = v.BindEnv("publish.target_token", "PUBLISH_TARGET_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// Get 取得設定.
func Get() *Config {
	return config
}

// SetEnv 設定環境.
func SetEnv(env string) {
	ENV = env
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("伺服器主機不能為空")
	}
	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	if cfg.Database.Mongo.URL == "" {
		return fmt.Errorf("MongoDB URL 不能為空")
	}
	if cfg.Database.Mongo.Database == "" {
		return fmt.Errorf("MongoDB 資料庫名稱不能為空")
	}
	if cfg.Database.Mongo.MaxPoolSize == 0 {
		return fmt.Errorf("MongoDB 最大連接池大小必須大於 0")
	}
	if cfg.Database.Mongo.MinPoolSize > cfg.Database.Mongo.MaxPoolSize {
		return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
	}

	if cfg.Log.RotationTimeHours <= 0 {
		return fmt.Errorf("日誌輪轉時間必須大於 0")
	}
	if cfg.Log.MaxAgeDays <= 0 {
		return fmt.Errorf("日誌保留天數必須大於 0")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("日誌檔案最大大小必須大於 0")
	}

	if cfg.Storage.RootPath == "" {
		return fmt.Errorf("儲存根目錄不能為空")
	}

	if cfg.Publish.VerifyTimeoutSeconds <= 0 {
		return fmt.Errorf("發布驗證超時時間必須大於 0")
	}
	if cfg.Publish.VerifyPollIntervalMS <= 0 {
		return fmt.Errorf("發布驗證輪詢間隔必須大於 0")
	}
	seen := make(map[string]bool, len(cfg.Publish.Targets))
	for i, t := range cfg.Publish.Targets {
		if t.Name == "" {
			return fmt.Errorf("發布目標 #%d 名稱不能為空", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("發布目標名稱重複: %s", t.Name)
		}
		seen[t.Name] = true

		switch t.Type {
		case "http", "grpc":
			if t.Address == "" {
				return fmt.Errorf("發布目標 %s 地址不能為空", t.Name)
			}
		case "s3":
			if cfg.S3.Bucket == "" {
				return fmt.Errorf("發布目標 %s 需要設定 s3.bucket", t.Name)
			}
		default:
			return fmt.Errorf("發布目標 %s 類型不支援: %s", t.Name, t.Type)
		}
	}

	if cfg.Notification.Enabled && cfg.Notification.URL == "" {
		return fmt.Errorf("啟用通知時 URL 不能為空")
	}

	return nil
}

// IsDebug 檢查是否為除錯模式
func IsDebug() bool {
	if config != nil {
		return config.App.Debug
	}
	return false
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:8080"
}

// GetMongoURL 取得 MongoDB 連接字串
func GetMongoURL() string {
	if config != nil {
		return config.Database.Mongo.URL
	}
	return ""
}
