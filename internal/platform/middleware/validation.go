package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"collection-gateway/internal/constants"

	"github.com/gin-gonic/gin"
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateCollectionName 集合名稱不可為空，且至少含一個英數字（用於目錄名）
func ValidateCollectionName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ValidationError{Field: "name", Message: "集合名稱不能為空"}
	}
	if len(trimmed) > constants.MaxCollectionNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("集合名稱超過最大長度限制 (%d 字符)", constants.MaxCollectionNameLength)}
	}
	if strings.Contains(name, "\x00") {
		return &ValidationError{Field: "name", Message: "集合名稱包含非法字符"}
	}
	if strings.IndexFunc(trimmed, isAlphanumeric) < 0 {
		return &ValidationError{Field: "name", Message: "集合名稱需包含英數字"}
	}
	return nil
}

// ValidateURI 內容 URI 基本檢查，路徑正規化由 collection 套件處理
func ValidateURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return &ValidationError{Field: "uri", Message: "URI 不能為空"}
	}
	if len(uri) > constants.MaxURILength {
		return &ValidationError{Field: "uri", Message: "URI 過長"}
	}
	if strings.ContainsAny(uri, "\x00\\") {
		return &ValidationError{Field: "uri", Message: "URI 包含非法字符"}
	}
	return nil
}

// ValidateEmail 驗證 email 格式
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "email 不能為空"}
	}
	if len(email) > constants.MaxEmailLength {
		return &ValidationError{Field: "email", Message: "email 過長"}
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, "\x00${} ") {
		return &ValidationError{Field: "email", Message: "email 格式錯誤"}
	}
	return nil
}

// ValidatePassword 新密碼長度檢查
func ValidatePassword(password string) error {
	if len(password) < constants.MinPasswordLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("密碼至少需要 %d 個字符", constants.MinPasswordLength)}
	}
	return nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	// 移除控制字符（除了換行和 Tab）
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			abortJSON(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
