package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collection-gateway/internal/session"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSessions map[string]*session.Session

func (s stubSessions) Get(token string) (*session.Session, error) {
	if token == "" {
		return nil, session.ErrTokenRequired
	}
	if token == "expired" {
		return nil, session.ErrSessionExpired
	}
	sess, ok := s[token]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

type stubPermissions struct {
	admins     map[string]bool
	publishers map[string]bool
	viewers    map[string]string
}

func (p stubPermissions) IsAdministrator(email string) bool { return p.admins[email] }
func (p stubPermissions) IsPublisher(email string) bool     { return p.publishers[email] }
func (p stubPermissions) CanView(email, id string) bool {
	return p.publishers[email] || p.viewers[email] == id
}

func newTestRouter() *gin.Engine {
	sessions := stubSessions{
		"admin-token":     {Email: "admin@example.com"},
		"publisher-token": {Email: "publisher@example.com"},
		"viewer-token":    {Email: "viewer@example.com"},
	}
	perms := stubPermissions{
		admins:     map[string]bool{"admin@example.com": true},
		publishers: map[string]bool{"publisher@example.com": true},
		viewers:    map[string]string{"viewer@example.com": "c1"},
	}
	access := NewAccessMiddleware(perms, nil)

	r := gin.New()
	r.Use(RequestIDMiddleware(), RequestMetadataMiddleware())
	api := r.Group("/api", NewSessionAuth(sessions).GinMiddleware())
	ok := func(c *gin.Context) { c.String(http.StatusOK, SessionEmail(c)) }
	api.GET("/me", ok)
	api.GET("/admin", access.RequireAdministrator(), ok)
	api.GET("/edit", access.RequirePublisher(), ok)
	api.GET("/collections/:id", access.RequireViewer(), ok)
	return r
}

func TestSessionAuth(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"Bearer", "Authorization", "Bearer viewer-token", http.StatusOK},
		{"LegacyHeader", SessionTokenHeader, "viewer-token", http.StatusOK},
		{"Missing", "", "", http.StatusUnauthorized},
		{"Unknown", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"Expired", SessionTokenHeader, "expired", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAccessMiddleware(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		path  string
		token string
		want  int
	}{
		{"/api/admin", "admin-token", http.StatusOK},
		{"/api/admin", "publisher-token", http.StatusForbidden},
		{"/api/edit", "publisher-token", http.StatusOK},
		{"/api/edit", "admin-token", http.StatusForbidden},
		{"/api/collections/c1", "viewer-token", http.StatusOK},
		{"/api/collections/c2", "viewer-token", http.StatusForbidden},
		{"/api/collections/c2", "publisher-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.token, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestTargetTokenAuth_Gin(t *testing.T) {
	r := gin.New()
	r.Use(NewTargetTokenAuth("s3cret").GinMiddleware())
	r.GET("/begin", func(c *gin.Context) { c.Status(http.StatusOK) })

	for header, want := range map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Bearer s3cret": http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, "/begin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("header %q: status = %d, want %d", header, w.Code, want)
		}
	}

	// 未設定 token 時不驗證
	open := gin.New()
	open.Use(NewTargetTokenAuth("").GinMiddleware())
	open.GET("/begin", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/begin", nil))
	if w.Code != http.StatusOK {
		t.Errorf("open target: status = %d", w.Code)
	}
}

func TestTargetTokenAuth_GRPC(t *testing.T) {
	interceptor := NewTargetTokenAuth("s3cret").GRPCUnaryInterceptor()
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}

	if _, err := interceptor(context.Background(), nil, info, handler); status.Code(err) != codes.Unauthenticated {
		t.Errorf("missing metadata: got %v", err)
	}

	bad := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer wrong"))
	if _, err := interceptor(bad, nil, info, handler); status.Code(err) != codes.Unauthenticated {
		t.Errorf("wrong token: got %v", err)
	}

	good := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer s3cret"))
	out, err := interceptor(good, nil, info, handler)
	if err != nil || out != "ok" {
		t.Errorf("valid token: got %v, %v", out, err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond, time.Minute)
	defer rl.Stop()

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("other IPs are limited separately")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("1.1.1.1") {
		t.Error("window should have reset")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, time.Minute)
	defer rl.Stop()

	r := gin.New()
	r.Use(rl.Middleware(nil))
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	statuses := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes: %v", statuses)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"collection ok", ValidateCollectionName("Inflation March"), false},
		{"collection empty", ValidateCollectionName("  "), true},
		{"collection symbols", ValidateCollectionName("!!!"), true},
		{"uri ok", ValidateURI("/economy/data.json"), false},
		{"uri empty", ValidateURI(""), true},
		{"uri backslash", ValidateURI(`\windows\path`), true},
		{"email ok", ValidateEmail("a@example.com"), false},
		{"email no domain", ValidateEmail("a@"), true},
		{"email operator", ValidateEmail("$ne@example.com"), true},
		{"password short", ValidatePassword("short"), true},
		{"password ok", ValidatePassword("long enough"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", tt.err, tt.wantErr)
			}
		})
	}

	if got := SanitizeInput("a\x00b\x07c\n"); got != "abc\n" {
		t.Errorf("SanitizeInput = %q", got)
	}
}
