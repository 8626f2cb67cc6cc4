package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"collection-gateway/internal/session"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// SessionTokenHeader 舊版客戶端使用的 token header
	SessionTokenHeader = "X-Florence-Token"
	SessionKey         = "session"
)

// SessionResolver 由 token 取得 session（session.Manager 實作）
type SessionResolver interface {
	Get(token string) (*session.Session, error)
}

// SessionAuth session token 驗證中間件
type SessionAuth struct {
	sessions SessionResolver
}

// NewSessionAuth 創建 session 驗證中間件
func NewSessionAuth(sessions SessionResolver) *SessionAuth {
	return &SessionAuth{sessions: sessions}
}

// GinMiddleware Gin HTTP 中間件
// 使用方式：api.Use(sessionAuth.GinMiddleware())
func (m *SessionAuth) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := m.sessions.Get(TokenFromRequest(c))
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, sessionErrorMessage(err))
			return
		}

		c.Set(SessionKey, s)
		if meta := GetRequestMetadataFromGin(c); meta != nil {
			meta.UserID = s.Email
		}
		c.Next()
	}
}

// TokenFromRequest Authorization: Bearer 優先，其次 X-Florence-Token
func TokenFromRequest(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.GetHeader(SessionTokenHeader)
}

// GetSession 從 gin.Context 取得已驗證的 session
func GetSession(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*session.Session)
	return s, ok
}

// SessionEmail 已登入用戶 email，未登入為空字串
func SessionEmail(c *gin.Context) string {
	if s, ok := GetSession(c); ok {
		return s.Email
	}
	return ""
}

// TargetTokenAuth 發布目標主機的共用 token 驗證，token 為空時不驗證
type TargetTokenAuth struct {
	token string
}

// NewTargetTokenAuth 創建目標主機 token 驗證
func NewTargetTokenAuth(token string) *TargetTokenAuth {
	return &TargetTokenAuth{token: token}
}

// GinMiddleware Gin HTTP 中間件
func (m *TargetTokenAuth) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.token == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortJSON(c, http.StatusUnauthorized, "未提供認證 token")
			return
		}
		if !m.valid(authHeader) {
			abortJSON(c, http.StatusUnauthorized, "認證失敗")
			return
		}
		c.Next()
	}
}

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()))
func (m *TargetTokenAuth) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if m.token == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "未提供認證信息")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "未提供認證 token")
		}
		if !m.valid(values[0]) {
			return nil, status.Errorf(codes.Unauthenticated, "認證失敗")
		}
		return handler(ctx, req)
	}
}

func (m *TargetTokenAuth) valid(header string) bool {
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) == 1
}

// sessionErrorMessage 去掉包裝，只回傳 session 錯誤本身的訊息
func sessionErrorMessage(err error) string {
	for _, known := range []error{session.ErrTokenRequired, session.ErrSessionExpired, session.ErrSessionNotFound} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "認證失敗"
}

func abortJSON(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{
		"error":      message,
		"success":    false,
		"request_id": GetRequestID(c),
	})
}
