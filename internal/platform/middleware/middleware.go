package middleware

import (
	"net/http"

	"collection-gateway/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// Permissions 權限查詢（permissions.Store 實作）
type Permissions interface {
	IsAdministrator(email string) bool
	IsPublisher(email string) bool
	CanView(email, collectionID string) bool
}

// AccessMiddleware 角色檢查中間件，需放在 SessionAuth 之後
type AccessMiddleware struct {
	permissions Permissions
	audit       *audit.AuditService
}

// NewAccessMiddleware 創建角色檢查中間件
func NewAccessMiddleware(permissions Permissions, auditService *audit.AuditService) *AccessMiddleware {
	return &AccessMiddleware{
		permissions: permissions,
		audit:       auditService,
	}
}

// RequireAdministrator 只允許管理員
func (m *AccessMiddleware) RequireAdministrator() gin.HandlerFunc {
	return m.require("administrator required", func(email string, _ *gin.Context) bool {
		return m.permissions.IsAdministrator(email)
	})
}

// RequirePublisher 只允許發佈團隊（可編輯內容）
func (m *AccessMiddleware) RequirePublisher() gin.HandlerFunc {
	return m.require("publisher required", func(email string, _ *gin.Context) bool {
		return m.permissions.IsPublisher(email)
	})
}

// RequireViewer 檢查路徑參數 :id 的集合檢視權
func (m *AccessMiddleware) RequireViewer() gin.HandlerFunc {
	return m.require("collection not visible", func(email string, c *gin.Context) bool {
		return m.permissions.CanView(email, c.Param("id"))
	})
}

func (m *AccessMiddleware) require(reason string, allowed func(string, *gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := SessionEmail(c)
		if email == "" {
			abortJSON(c, http.StatusUnauthorized, "未授權訪問")
			return
		}
		if !allowed(email, c) {
			m.audit.LogAccessDenied(c.Request.Context(), email, c.Param("id"), reason)
			abortJSON(c, http.StatusForbidden, "禁止訪問")
			return
		}
		c.Next()
	}
}
