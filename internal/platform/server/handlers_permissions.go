package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/httputil"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/storage/database/query"
)

func (a *API) getPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, a.Permissions.Snapshot()))
}

// 新增管理員並轉交操作者持有的密鑰；第一位管理員由 permissions.Store 放行
func (a *API) addAdministrator(c *gin.Context) {
	a.grantRole(c, a.Permissions.AddAdministrator)
}

func (a *API) addPublisher(c *gin.Context) {
	a.grantRole(c, a.Permissions.AddPublisher)
}

func (a *API) removeAdministrator(c *gin.Context) {
	operator := middleware.SessionEmail(c)
	if err := a.Permissions.RemoveAdministrator(c.Request.Context(), operator, c.Param("email")); err != nil {
		WriteError(c, err)
		return
	}
	a.revokeUnlessPrivileged(c, c.Param("email"))
}

func (a *API) removePublisher(c *gin.Context) {
	operator := middleware.SessionEmail(c)
	if err := a.Permissions.RemovePublisher(c.Request.Context(), operator, c.Param("email")); err != nil {
		WriteError(c, err)
		return
	}
	a.revokeUnlessPrivileged(c, c.Param("email"))
}

func (a *API) grantRole(c *gin.Context, add func(ctx context.Context, operator, email string) error) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateEmail(req.Email); err != nil {
		WriteError(c, err)
		return
	}

	ctx := c.Request.Context()
	s, _ := middleware.GetSession(c)
	if err := add(ctx, s.Email, req.Email); err != nil {
		WriteError(c, err)
		return
	}

	transferred, err := a.Keys.TransferKeys(ctx, s.Keyring(), req.Email)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, gin.H{"keysTransferred": transferred}))
}

// holdsAllKeys 管理員與發佈者持有所有集合密鑰
func (a *API) holdsAllKeys(email string) bool {
	return a.Permissions.IsAdministrator(email) || a.Permissions.IsPublisher(email)
}

// revokeUnlessPrivileged 失去所有角色時撤銷密鑰，只保留被授權檢視的集合
func (a *API) revokeUnlessPrivileged(c *gin.Context, email string) {
	if a.holdsAllKeys(email) {
		c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
		return
	}

	email = query.NormalizeEmail(email)
	var keep []string
	for id, viewers := range a.Permissions.Snapshot().Collections {
		for _, v := range viewers {
			if v == email {
				keep = append(keep, id)
				break
			}
		}
	}
	if err := a.Keys.RevokeKeys(c.Request.Context(), email, keep...); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}

// 授權檢視集合，同時把集合密鑰加入對方 keyring
func (a *API) grantViewer(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateEmail(req.Email); err != nil {
		WriteError(c, err)
		return
	}

	id := c.Param("id")
	if _, err := a.Collections.Get(id); err != nil {
		WriteError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := a.Permissions.GrantViewer(ctx, middleware.SessionEmail(c), id, req.Email); err != nil {
		WriteError(c, err)
		return
	}
	if err := a.Keys.GrantCollectionKey(ctx, id, req.Email); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}

func (a *API) revokeViewer(c *gin.Context) {
	id, email := c.Param("id"), c.Param("email")
	ctx := c.Request.Context()
	if err := a.Permissions.RevokeViewer(ctx, middleware.SessionEmail(c), id, email); err != nil {
		WriteError(c, err)
		return
	}
	if !a.holdsAllKeys(email) {
		if err := a.Keys.RevokeCollectionKey(ctx, id, email); err != nil {
			WriteError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}
