package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/httputil"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/publish"
)

type scheduleRequest struct {
	PublishDate *time.Time `json:"publishDate"`
}

func (a *API) approve(c *gin.Context) {
	if err := a.Collections.Approve(c.Request.Context(), c.Param("id"), middleware.SessionEmail(c)); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Collection approved", nil))
}

func (a *API) unlock(c *gin.Context) {
	if err := a.Collections.Unlock(c.Request.Context(), c.Param("id"), middleware.SessionEmail(c)); err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Collection unlocked", nil))
}

// 設定發佈時間並轉為排程集合
func (a *API) schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PublishDate == nil {
		httputil.BadRequest(c, "publishDate required")
		return
	}
	if !req.PublishDate.After(time.Now()) {
		httputil.BadRequest(c, "publishDate must be in the future")
		return
	}

	updated, err := a.Collections.Update(c.Request.Context(), c.Param("id"), middleware.SessionEmail(c), collection.UpdateRequest{
		Type:        collection.TypeScheduled,
		PublishDate: req.PublishDate,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	deadline, _ := a.Publisher.Scheduler().Deadline(updated.ID())
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Collection scheduled", gin.H{
		"id":          updated.ID(),
		"publishDate": deadline,
	}))
}

// 轉回手動發佈並取消排程
func (a *API) cancelSchedule(c *gin.Context) {
	_, err := a.Collections.Update(c.Request.Context(), c.Param("id"), middleware.SessionEmail(c), collection.UpdateRequest{
		Type: collection.TypeManual,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Collection schedule cancelled", nil))
}

// 發佈不隨客戶端斷線中止
func (a *API) publish(c *gin.Context) {
	result, err := a.Publisher.Publish(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	a.writePublishResult(c, result, err)
}

func (a *API) republish(c *gin.Context) {
	result, err := a.Publisher.Republish(context.WithoutCancel(c.Request.Context()), c.Param("id"), middleware.SessionEmail(c))
	a.writePublishResult(c, result, err)
}

// writePublishResult 發佈失敗但有結果時回傳 502 與各主機結果
func (a *API) writePublishResult(c *gin.Context, result *publish.Result, err error) {
	if result == nil {
		WriteError(c, err)
		return
	}

	rec := result.Record()
	if err != nil {
		logger.Error(c.Request.Context(), "publish completion failed",
			logger.WithCollectionID(rec.CollectionID),
			logger.WithError(err))
	}
	if err != nil || !rec.Success {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "publish failed",
			"success":    false,
			"request_id": middleware.GetRequestID(c),
			"data":       rec,
		})
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse("Collection published", rec))
}

func (a *API) listResults(c *gin.Context) {
	limit, offset := pagination(c)
	results, err := a.Results.ListByCollection(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, results))
}

func (a *API) getResult(c *gin.Context) {
	rec, err := a.Results.Get(c.Request.Context(), c.Param("resultId"))
	if err != nil {
		WriteError(c, err)
		return
	}
	// 結果 ID 不屬於路徑上的集合時視為不存在
	if rec.CollectionID != c.Param("id") {
		httputil.NotFoundError(c, "publish result not found")
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, rec))
}
