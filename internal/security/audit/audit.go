package audit

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"
)

// AuditService 審計服務
type AuditService struct {
	enabled bool
	logger  *log.Logger
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		logger:  log.Default(),
	}
}

// NewAuditServiceWithWriter 審計輸出到指定 writer（專用審計檔或測試）
func NewAuditServiceWithWriter(enabled bool, w io.Writer) *AuditService {
	return &AuditService{
		enabled: enabled,
		logger:  log.New(w, "", 0),
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp    time.Time              `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	UserID       string                 `json:"user_id"`
	CollectionID string                 `json:"collection_id,omitempty"`
	URI          string                 `json:"uri,omitempty"`
	Action       string                 `json:"action"`
	Result       string                 `json:"result"` // success, failure, denied
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
}

// ClientInfo 請求來源資訊，由 middleware 放進 context
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type clientInfoKey struct{}

// WithClientInfo 把請求來源資訊放進 context
func WithClientInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, &ClientInfo{IPAddress: ip, UserAgent: userAgent})
}

// LogLogin 記錄登入成功
func (a *AuditService) LogLogin(ctx context.Context, email string, keysCached int) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "authentication",
		UserID:    email,
		Action:    "login",
		Result:    "success",
		Details: map[string]interface{}{
			"scheduler_keys_added": keysCached,
		},
	})
}

// LogAuthenticationFailure 記錄認證失敗
func (a *AuditService) LogAuthenticationFailure(ctx context.Context, email, reason string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "authentication",
		UserID:    email,
		Action:    "login",
		Result:    "failure",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogPasswordChange 記錄密碼變更或重設
func (a *AuditService) LogPasswordChange(ctx context.Context, operator, email string, reset bool) {
	if !a.Enabled() {
		return
	}

	action := "change_password"
	if reset {
		action = "reset_password"
	}
	a.log(ctx, AuditEvent{
		EventType: "credentials",
		UserID:    operator,
		Action:    action,
		Result:    "success",
		Details: map[string]interface{}{
			"target_user": email,
		},
	})
}

// LogKeyDistributed 記錄集合密鑰分發
func (a *AuditService) LogKeyDistributed(ctx context.Context, collectionID string, recipients []string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:    "key_management",
		CollectionID: collectionID,
		Action:       "distribute_key",
		Result:       "success",
		Details: map[string]interface{}{
			"recipients": recipients,
		},
	})
}

// LogKeyRevoked 記錄密鑰撤銷
func (a *AuditService) LogKeyRevoked(ctx context.Context, email, collectionID string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:    "key_management",
		UserID:       email,
		CollectionID: collectionID,
		Action:       "revoke_key",
		Result:       "success",
	})
}

// LogContentTransition 記錄內容狀態轉換
func (a *AuditService) LogContentTransition(ctx context.Context, email, collectionID, uri, eventType string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:    "content_transition",
		UserID:       email,
		CollectionID: collectionID,
		URI:          uri,
		Action:       eventType,
		Result:       "success",
	})
}

// LogCollectionChange 記錄集合層級的變更（建立、核准、解鎖、刪除、排程）
func (a *AuditService) LogCollectionChange(ctx context.Context, email, collectionID, action string, details map[string]interface{}) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:    "collection",
		UserID:       email,
		CollectionID: collectionID,
		Action:       action,
		Result:       "success",
		Details:      details,
	})
}

// LogPublish 記錄發佈結果
func (a *AuditService) LogPublish(ctx context.Context, collectionID string, success bool, details map[string]interface{}) {
	if !a.Enabled() {
		return
	}

	result := "success"
	if !success {
		result = "failure"
	}
	a.log(ctx, AuditEvent{
		EventType:    "publish",
		CollectionID: collectionID,
		Action:       "publish_collection",
		Result:       result,
		Details:      details,
	})
}

// LogPermissionChange 記錄權限變更
func (a *AuditService) LogPermissionChange(ctx context.Context, operator, email, action string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "permissions",
		UserID:    operator,
		Action:    action,
		Result:    "success",
		Details: map[string]interface{}{
			"target_user": email,
		},
	})
}

// LogAccessDenied 記錄訪問被拒絕
func (a *AuditService) LogAccessDenied(ctx context.Context, email, collectionID, reason string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType:    "access_denied",
		UserID:       email,
		CollectionID: collectionID,
		Action:       "access_resource",
		Result:       "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	if !a.Enabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "rate_limit",
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   "rate_limit_exceeded",
		},
	})
}

// log 記錄審計事件
func (a *AuditService) log(ctx context.Context, event AuditEvent) {
	event.Timestamp = time.Now()
	if info, ok := ctx.Value(clientInfoKey{}).(*ClientInfo); ok {
		if event.IPAddress == "" {
			event.IPAddress = info.IPAddress
		}
		event.UserAgent = info.UserAgent
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		a.logger.Printf("[AUDIT-ERROR] Failed to marshal event: %v", err)
		return
	}

	a.logger.Printf("[AUDIT] %s", string(jsonData))
}

// Enabled 審計是否啟用（nil 視為停用）
func (a *AuditService) Enabled() bool {
	return a != nil && a.enabled
}
