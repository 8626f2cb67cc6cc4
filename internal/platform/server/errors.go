package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/httputil"
	"collection-gateway/internal/permissions"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/publish"
	"collection-gateway/internal/security/keymanager"
	"collection-gateway/internal/session"
	"collection-gateway/internal/storage/database/publishresult"
	"collection-gateway/internal/storage/database/user"
)

// WriteError 依領域錯誤決定 HTTP 狀態碼，其餘一律 500 並過濾敏感訊息
func WriteError(c *gin.Context, err error) {
	var invalid *middleware.ValidationError
	if errors.As(err, &invalid) {
		httputil.ValidationError(c, invalid.Field, invalid.Message)
		return
	}

	status, message := classify(err)
	switch status {
	case http.StatusBadRequest:
		httputil.BadRequest(c, message)
	case http.StatusUnauthorized:
		httputil.Unauthorized(c, message)
	case http.StatusForbidden:
		httputil.Forbidden(c, message)
	case http.StatusNotFound:
		httputil.NotFoundError(c, message)
	case http.StatusConflict:
		httputil.Conflict(c, message)
	case http.StatusInternalServerError:
		httputil.InternalServerError(c, err)
	default:
		c.JSON(status, gin.H{
			"error":      message,
			"success":    false,
			"request_id": middleware.GetRequestID(c),
		})
	}
}

func classify(err error) (int, string) {
	var transition *collection.StateTransitionError
	if errors.As(err, &transition) {
		switch {
		case errors.Is(err, collection.ErrNotFound):
			return http.StatusNotFound, transition.Message
		case errors.Is(err, collection.ErrConflict):
			return http.StatusConflict, transition.Message
		case errors.Is(err, collection.ErrUnauthorized):
			return http.StatusForbidden, transition.Message
		default:
			return http.StatusBadRequest, transition.Message
		}
	}

	switch {
	case errors.Is(err, session.ErrPasswordRequired),
		errors.Is(err, permissions.ErrEmailRequired),
		errors.Is(err, publish.ErrNoTargets):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, session.ErrTokenRequired),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, keymanager.ErrInvalidPassword):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, session.ErrNotAdministrator),
		errors.Is(err, permissions.ErrUnauthorized),
		errors.Is(err, keymanager.ErrKeyringLocked):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, user.ErrUserNotFound),
		errors.Is(err, publishresult.ErrResultNotFound),
		errors.Is(err, keymanager.ErrKeyNotFound),
		errors.Is(err, keymanager.ErrKeyringNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, user.ErrUserExists),
		errors.Is(err, publish.ErrNotApproved),
		errors.Is(err, publish.ErrPublishInProgress),
		errors.Is(err, publish.ErrNotRepublishable),
		errors.Is(err, publish.ErrKeyNotCached):
		return http.StatusConflict, err.Error()

	case errors.Is(err, session.ErrPasswordChangeRequired):
		return http.StatusExpectationFailed, err.Error()
	}

	return http.StatusInternalServerError, ""
}
