package target

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/httputil"
	"collection-gateway/internal/platform/logger"
)

// HTTP 端點路徑，client 與 server 共用
const (
	PathBegin       = "/begin"
	PathPublish     = "/publish"
	PathCommit      = "/commit"
	PathTransaction = "/transaction"
)

// BeginResponse begin 回應
type BeginResponse struct {
	TransactionID string `json:"transactionId"`
}

// Handler 目標主機 HTTP API
type Handler struct {
	store *Store
}

// NewHandler 創建 handler
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 註冊交易端點
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST(PathBegin, h.begin)
	r.POST(PathPublish, h.publish)
	r.POST(PathCommit, h.commit)
	r.GET(PathTransaction, h.transaction)
}

func (h *Handler) begin(c *gin.Context) {
	tx, err := h.store.Begin(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BeginResponse{TransactionID: tx.ID})
}

// publish 請求 body 是檔案內容，交易與 URI 放在 query
func (h *Handler) publish(c *gin.Context) {
	txID := c.Query("transactionId")
	uri := c.Query("uri")
	if txID == "" || uri == "" {
		c.JSON(http.StatusBadRequest, httputil.ErrorWithCode(httputil.ErrorCodeInvalidParameter, "transactionId and uri are required"))
		return
	}

	if err := h.store.Publish(c.Request.Context(), txID, uri, c.Request.Body); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataCreated))
}

func (h *Handler) commit(c *gin.Context) {
	tx, err := h.store.Commit(c.Request.Context(), c.Query("transactionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) transaction(c *gin.Context) {
	tx, err := h.store.Get(c.Query("transactionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, httputil.ErrorWithCode(httputil.ErrorCodeRecordNotFound, err.Error()))
	case errors.Is(err, ErrTransactionClosed):
		c.JSON(http.StatusConflict, httputil.ErrorWithCode(httputil.ErrorCodeConflict, err.Error()))
	case errors.Is(err, collection.ErrBadRequest):
		c.JSON(http.StatusBadRequest, httputil.ErrorWithCode(httputil.ErrorCodeInvalidParameter, err.Error()))
	default:
		logger.Error(c.Request.Context(), "target request failed", logger.WithError(err))
		c.JSON(http.StatusInternalServerError, httputil.ErrorWithCode(httputil.ErrorCodeProcessingFailed, httputil.ProcessingFailed))
	}
}
