package httputil

import "github.com/gin-gonic/gin"

// 成功訊息常數.
const (
	DataRetrieved = "Data retrieved successfully"
	DataCreated   = "Data created successfully"
	DataUpdated   = "Data updated successfully"
	DataDeleted   = "Data deleted successfully"
)

// ProcessingFailed 不對外透露細節的錯誤訊息.
const ProcessingFailed = "Processing failed"

// Success 回傳簡單的成功訊息回應.
func Success(message string) gin.H {
	return gin.H{"message": message}
}

// ErrorWithCode 回傳包含錯誤代碼的錯誤回應.
func ErrorWithCode(code int, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// SuccessResponse 成功回應結構.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse 創建成功回應.
func NewSuccessResponse(message string, data interface{}) *SuccessResponse {
	return &SuccessResponse{
		Message: message,
		Data:    data,
	}
}
