package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/httputil"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/security/keymanager"
)

type collectionRequest struct {
	Name            string           `json:"name"`
	Type            collection.Type  `json:"type"`
	CollectionOwner collection.Owner `json:"collectionOwner"`
	PublishDate     *time.Time       `json:"publishDate"`
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// collectionView 集合描述加上各狀態的 URI
func collectionView(c *collection.Collection) *collection.Description {
	desc := c.Description()
	desc.InProgressURIs = c.InProgressURIs()
	desc.CompleteURIs = c.CompleteURIs()
	desc.ReviewedURIs = c.ReviewedURIs()
	return desc
}

// 編輯者看到全部集合，其他人只看到被授權的集合
func (a *API) listCollections(c *gin.Context) {
	email := middleware.SessionEmail(c)
	all := a.Collections.List()
	if a.Permissions.CanEdit(email) {
		c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, all))
		return
	}

	visible := make([]*collection.Description, 0, len(all))
	for _, desc := range all {
		if a.Permissions.CanView(email, desc.ID) {
			visible = append(visible, desc)
		}
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, visible))
}

func (a *API) createCollection(c *gin.Context) {
	var req collectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if err := middleware.ValidateCollectionName(req.Name); err != nil {
		WriteError(c, err)
		return
	}

	s, _ := middleware.GetSession(c)
	created, err := a.Collections.Create(c.Request.Context(), &collection.Description{
		Name:            req.Name,
		Type:            req.Type,
		CollectionOwner: req.CollectionOwner,
		PublishDate:     req.PublishDate,
	}, s.Email, s.Keyring())
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, collectionView(created)))
}

func (a *API) getCollection(c *gin.Context) {
	col, err := a.Collections.Get(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, collectionView(col)))
}

func (a *API) updateCollection(c *gin.Context) {
	var req collectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	if req.Name != "" {
		if err := middleware.ValidateCollectionName(req.Name); err != nil {
			WriteError(c, err)
			return
		}
	}

	updated, err := a.Collections.Update(c.Request.Context(), c.Param("id"), middleware.SessionEmail(c), collection.UpdateRequest{
		Name:        req.Name,
		Type:        req.Type,
		PublishDate: req.PublishDate,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, collectionView(updated)))
}

func (a *API) deleteCollection(c *gin.Context) {
	id := c.Param("id")
	if err := a.Collections.Delete(c.Request.Context(), id, middleware.SessionEmail(c)); err != nil {
		WriteError(c, err)
		return
	}
	if err := a.Permissions.RemoveCollection(id); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataDeleted, nil))
}

// contentTarget 取得集合、session 持有的密鑰與 uri query
func (a *API) contentTarget(c *gin.Context) (*collection.Collection, *keymanager.CollectionKey, string, bool) {
	col, err := a.Collections.Get(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return nil, nil, "", false
	}

	uri := c.Query("uri")
	if err := middleware.ValidateURI(uri); err != nil {
		WriteError(c, err)
		return nil, nil, "", false
	}

	s, _ := middleware.GetSession(c)
	key, _ := s.Key(col.ID())
	return col, key, uri, true
}

// transitionResult 狀態轉換回傳 false 時對應的錯誤碼
func transitionResult(c *gin.Context, ok bool, err error, status int, message string) {
	if err != nil {
		WriteError(c, err)
		return
	}
	if !ok {
		c.JSON(status, gin.H{
			"error":      message,
			"success":    false,
			"request_id": middleware.GetRequestID(c),
		})
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}

func (a *API) createContent(c *gin.Context) {
	col, _, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	created, err := col.Create(middleware.SessionEmail(c), uri)
	transitionResult(c, created, err, http.StatusConflict, "content already exists in a collection or has been published")
}

func (a *API) editContent(c *gin.Context) {
	col, key, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	edited, err := col.Edit(middleware.SessionEmail(c), uri, key)
	transitionResult(c, edited, err, http.StatusConflict, "content is being edited in another collection or does not exist")
}

func (a *API) completeContent(c *gin.Context) {
	col, _, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	completed, err := col.Complete(middleware.SessionEmail(c), uri)
	transitionResult(c, completed, err, http.StatusBadRequest, "content is not in progress")
}

func (a *API) reviewContent(c *gin.Context) {
	col, _, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	err := col.Review(middleware.SessionEmail(c), uri)
	transitionResult(c, true, err, 0, "")
}

func (a *API) moveContent(c *gin.Context) {
	col, err := a.Collections.Get(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}

	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	for _, uri := range []string{req.From, req.To} {
		if err := middleware.ValidateURI(uri); err != nil {
			WriteError(c, err)
			return
		}
	}

	moved, err := col.MoveContent(middleware.SessionEmail(c), req.From, req.To)
	transitionResult(c, moved, err, http.StatusNotFound, "content not found in collection")
}

func (a *API) deleteContent(c *gin.Context) {
	col, _, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	deleted, err := col.DeleteContent(middleware.SessionEmail(c), uri)
	transitionResult(c, deleted, err, http.StatusNotFound, "content not found in collection")
}

// createVersion 以已發佈頁面建立歷史版本，回傳版本 URI
func (a *API) createVersion(c *gin.Context) {
	col, key, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	versionURI, err := col.Version(middleware.SessionEmail(c), uri, key)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataCreated, gin.H{"uri": versionURI}))
}

func (a *API) deleteVersion(c *gin.Context) {
	col, _, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	err := col.DeleteVersion(middleware.SessionEmail(c), uri)
	transitionResult(c, true, err, 0, "")
}

// 請求 body 為內容本體，加密集合以 session 持有的密鑰加密
func (a *API) writeContent(c *gin.Context) {
	col, key, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	if err := col.WriteContent(middleware.SessionEmail(c), uri, c.Request.Body, key); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.BadRequest(c, "請求內容過大")
			return
		}
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}

func (a *API) readContent(c *gin.Context) {
	col, key, uri, ok := a.contentTarget(c)
	if !ok {
		return
	}
	data, err := col.ReadContent(uri, key)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/octet-stream", data)
}

