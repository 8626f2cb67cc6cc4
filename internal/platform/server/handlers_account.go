package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/constants"
	"collection-gateway/internal/httputil"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/storage/database/query"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Email       string `json:"email"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// 登入，回傳 token 供後續請求使用
func (a *API) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	s, token, err := a.Sessions.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Login successful", gin.H{
		"token":     token,
		"email":     s.Email,
		"expiresAt": s.ExpiresAt,
		"admin":     a.Permissions.IsAdministrator(s.Email),
		"editor":    a.Permissions.CanEdit(s.Email),
	}))
}

func (a *API) logout(c *gin.Context) {
	if err := a.Sessions.Logout(middleware.TokenFromRequest(c)); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Logged out", nil))
}

func (a *API) currentSession(c *gin.Context) {
	s, _ := middleware.GetSession(c)
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{
		"email":     s.Email,
		"start":     s.Start,
		"expiresAt": s.ExpiresAt,
		"admin":     a.Permissions.IsAdministrator(s.Email),
		"editor":    a.Permissions.CanEdit(s.Email),
	}))
}

// 更換密碼不需登入，臨時密碼的用戶只能透過這裡啟用帳號
func (a *API) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidatePassword(req.NewPassword); err != nil {
		WriteError(c, err)
		return
	}

	if err := a.Sessions.ChangePassword(c.Request.Context(), req.Email, req.OldPassword, req.NewPassword); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Password updated", nil))
}

func (a *API) listUsers(c *gin.Context) {
	limit, offset := pagination(c)
	users, err := a.Users.List(c.Request.Context(), limit, offset)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, users))
}

func (a *API) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateEmail(req.Email); err != nil {
		WriteError(c, err)
		return
	}
	if err := middleware.ValidatePassword(req.Password); err != nil {
		WriteError(c, err)
		return
	}

	u, err := a.Sessions.CreateUser(c.Request.Context(), middleware.SessionEmail(c), req.Email, middleware.SanitizeInput(req.Name), req.Password)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, u))
}

func (a *API) deleteUser(c *gin.Context) {
	email := c.Param("email")
	ctx := c.Request.Context()
	if err := a.Sessions.DeleteUser(ctx, middleware.SessionEmail(c), email); err != nil {
		WriteError(c, err)
		return
	}
	// 已刪除的帳號不應再持有任何集合密鑰
	if err := a.Keys.RevokeKeys(ctx, email); err != nil && !errors.Is(err, keymanager.ErrKeyringNotFound) {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataDeleted, nil))
}

// 管理員重設密碼，用戶下次登入前必須更換
func (a *API) resetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidatePassword(req.Password); err != nil {
		WriteError(c, err)
		return
	}

	admin, _ := middleware.GetSession(c)
	restored, err := a.Sessions.ResetPassword(c.Request.Context(), admin, c.Param("email"), req.Password)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Password reset", gin.H{"keysRestored": restored}))
}

// pagination 解析 limit/offset query，超出範圍時使用預設值
func pagination(c *gin.Context) (int64, int64) {
	limit := int64(constants.DefaultPageSize)
	if v, err := strconv.ParseInt(c.Query("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}

	var offset int64
	if v, err := strconv.ParseInt(c.Query("offset"), 10, 64); err == nil && v > 0 {
		offset = query.ValidateSkip(v)
	}
	return limit, offset
}
