package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/grpcclient"
	"collection-gateway/internal/permissions"
	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/driver"
	"collection-gateway/internal/platform/health"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/platform/server"
	"collection-gateway/internal/publish"
	"collection-gateway/internal/security/audit"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/session"
	"collection-gateway/internal/storage/database"
	"collection-gateway/internal/storage/database/user"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// loadMasterKey 載入主密鑰
// 從環境變量 MASTER_KEY 讀取 base64 編碼的 32 bytes 密鑰
// 如果未設置，生成臨時隨機密鑰（開發環境）
func loadMasterKey(ctx context.Context) ([]byte, error) {
	if env := os.Getenv("MASTER_KEY"); env != "" {
		masterKey, err := base64.StdEncoding.DecodeString(env)
		if err != nil || len(masterKey) != 32 {
			logger.Error(ctx, "Master Key 格式錯誤", logger.WithDetails(map[string]interface{}{"length": len(masterKey)}))
			return nil, fmt.Errorf("invalid master key configuration")
		}

		logger.Info(ctx, "[SUCCESS] 成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
			"masked": fmt.Sprintf("%x****", masterKey[:2]),
			"source": "MASTER_KEY environment variable",
		}))
		return masterKey, nil
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, fmt.Errorf("master key initialization failed: %w", err)
	}
	logger.Warning(ctx, "[WARNING] 開發模式：使用臨時主密鑰（重啟後集合密鑰將無法解開）", logger.WithDetails(map[string]interface{}{
		"masked": fmt.Sprintf("%x****", masterKey[:2]),
		"source": "randomly generated",
	}))
	logger.Info(ctx, "生成方式：export MASTER_KEY=$(openssl rand -base64 32)")
	return masterKey, nil
}

// connectRepositories 有設定 MongoDB 時連線，失敗則退回記憶體存儲
func connectRepositories(ctx context.Context, cfg *config.Config) *database.Repositories {
	if cfg.Database.Mongo.URL == "" {
		return database.NewRepositories(nil)
	}
	if err := driver.ConnectMongo(); err != nil {
		logger.Error(ctx, "MongoDB 連接失敗，改用記憶體存儲", logger.WithError(err))
		return database.NewRepositories(nil)
	}
	return database.NewRepositories(driver.GetMongoDatabase())
}

// bootstrapAdministrator 尚無管理員時以環境變量建立第一位管理員
func bootstrapAdministrator(ctx context.Context, sessions *session.Manager, perms *permissions.Store) error {
	if perms.HasAdministrator() {
		return nil
	}
	email, password := os.Getenv("BOOTSTRAP_ADMIN_EMAIL"), os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if email == "" || password == "" {
		logger.Warning(ctx, "尚未設定管理員，請設置 BOOTSTRAP_ADMIN_EMAIL 與 BOOTSTRAP_ADMIN_PASSWORD")
		return nil
	}

	if _, err := sessions.CreateUser(ctx, "", email, "Administrator", password); err != nil && !errors.Is(err, user.ErrUserExists) {
		return fmt.Errorf("failed to create bootstrap administrator: %w", err)
	}
	if err := perms.AddAdministrator(ctx, "", email); err != nil {
		return err
	}
	if err := perms.AddPublisher(ctx, email, email); err != nil {
		return err
	}
	logger.Info(ctx, "[System] 已建立第一位管理員", logger.WithUserID(email))
	return nil
}

// buildTargets 依設定建立發布目標主機
func buildTargets(ctx context.Context, cfg *config.Config) ([]publish.Target, error) {
	token := cfg.Publish.TargetToken
	targets := make([]publish.Target, 0, len(cfg.Publish.Targets))
	for _, tc := range cfg.Publish.Targets {
		name := tc.Name
		if name == "" {
			name = tc.Address
		}

		switch tc.Type {
		case "", "http":
			var client *http.Client
			if cfg.Publish.PushTimeoutSeconds > 0 {
				client = &http.Client{Timeout: time.Duration(cfg.Publish.PushTimeoutSeconds) * time.Second}
			}
			targets = append(targets, publish.NewHTTPTarget(name, tc.Address, client).WithToken(token))
		case "grpc":
			t, err := grpcclient.DialTarget(name, tc.Address)
			if err != nil {
				return nil, fmt.Errorf("failed to dial target %s: %w", name, err)
			}
			targets = append(targets, t.WithToken(token))
		case "s3":
			t, err := publish.NewS3Target(ctx, name, cfg.S3)
			if err != nil {
				return nil, fmt.Errorf("failed to create s3 target %s: %w", name, err)
			}
			targets = append(targets, t)
		default:
			return nil, fmt.Errorf("unknown target type %q for %s", tc.Type, name)
		}
	}
	return targets, nil
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()

	repos := connectRepositories(ctx, cfg)
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	root := cfg.Storage.RootPath
	if root == "" {
		root = "data"
	}
	perms, err := permissions.NewStore(filepath.Join(root, "permissions"))
	if err != nil {
		return err
	}

	masterKey, err := loadMasterKey(ctx)
	if err != nil {
		return err
	}
	keyStore, err := keymanager.NewCollectionKeyStore(filepath.Join(root, "keyring"), masterKey)
	if err != nil {
		return err
	}

	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)
	keys := keymanager.NewKeyManager(keyStore, repos.Keyrings, keymanager.NewSchedulerKeyCache(), perms, auditService)
	sessions := session.NewManager(repos.Users, keys, perms, auditService, session.Options{
		Secret:      cfg.Security.Authentication.JWTSecret,
		Issuer:      cfg.App.Name,
		TTL:         time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		MaxSessions: cfg.Session.MaxSessions,
	})
	if err := bootstrapAdministrator(ctx, sessions, perms); err != nil {
		return err
	}

	var notifier collection.Notifier = publish.LogNotifier{}
	if cfg.Notification.Enabled && cfg.Notification.URL != "" {
		notifier = publish.NewHTTPNotifier(cfg.Notification.URL, time.Duration(cfg.Notification.TimeoutSeconds)*time.Second)
	}

	collections, err := collection.NewCollections(collection.Options{
		CollectionsDir: filepath.Join(root, "collections"),
		MasterDir:      filepath.Join(root, "master"),
		ArchiveDir:     filepath.Join(root, "publish-log"),
		Encrypt:        cfg.Security.Encryption.EncryptCollections,
	}, keys, notifier, auditService)
	if err != nil {
		return err
	}

	targets, err := buildTargets(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := grpcclient.CloseConnections(); err != nil {
			logger.Errorf(ctx, "關閉 gRPC 連接失敗: %v", err)
		}
	}()
	pipeline := publish.NewPipeline(targets, publish.PipelineOptions{
		PushTimeout:   time.Duration(cfg.Publish.PushTimeoutSeconds) * time.Second,
		VerifyTimeout: time.Duration(cfg.Publish.VerifyTimeoutSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.Publish.VerifyPollIntervalMS) * time.Millisecond,
	})

	publisher := publish.NewPublisher(collections, keys.Cache(), pipeline, repos.PublishResults, notifier, auditService)
	collections.SetScheduler(publisher)
	armed := publisher.Start(ctx)
	defer publisher.Stop()
	logger.Info(ctx, "[System] 排程器已啟動", logger.WithDetails(map[string]interface{}{
		"scheduled": armed,
		"targets":   pipeline.Hosts(),
	}))

	healthHandler := health.NewHealthHandler()
	healthHandler.AddProbe("sessions", func() interface{} { return sessions.Count() })
	healthHandler.AddProbe("scheduled_publishes", func() interface{} { return publisher.Scheduler().Pending() })
	healthHandler.AddProbe("keys", func() interface{} {
		stats, err := keys.Stats(context.Background())
		if err != nil {
			return map[string]interface{}{"error": err.Error(), "cachedKeys": keys.Cache().Size()}
		}
		return stats
	})
	healthHandler.AddProbe("publish_targets", func() interface{} { return pipeline.Hosts() })

	router := server.Router(server.Deps{
		Sessions:    sessions,
		Permissions: perms,
		Keys:        keys,
		Collections: collections,
		Publisher:   publisher,
		Results:     repos.PublishResults,
		Users:       repos.Users,
		Audit:       auditService,
		Health:      healthHandler,
	})
	srv, err := server.New(router, cfg.Server)
	if err != nil {
		return err
	}

	logger.Info(ctx, "[System] 服務器啟動完成")
	err = srv.Run(ctx)
	logger.Info(ctx, "正在關閉服務器...", logger.WithAction("shutdown"))
	return err
}
