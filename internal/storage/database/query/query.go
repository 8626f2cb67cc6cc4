// Package query MongoDB 查詢參數的消毒與限制
package query

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 1000
	MaxSkip      = 100000
)

var emailPattern = regexp.MustCompile(`^[^\s@$]+@[^\s@$]+\.[^\s@$]+$`)

// NormalizeEmail 去除空白並轉小寫，email 作為文件鍵值時統一使用
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 驗證 email 格式（同時擋掉 MongoDB 操作符字元）
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email required")
	}
	if strings.ContainsAny(email, "\x00{}") || !emailPattern.MatchString(email) {
		return fmt.Errorf("invalid email: %q", email)
	}
	return nil
}

// SafeStringValue 消毒字符串值（防止注入）
func SafeStringValue(value string) string {
	value = strings.ReplaceAll(value, "\x00", "")
	value = strings.ReplaceAll(value, "$", "")
	value = strings.ReplaceAll(value, "{", "")
	value = strings.ReplaceAll(value, "}", "")
	return value
}

// ValidateLimit 驗證並限制查詢數量
func ValidateLimit(limit int64) int64 {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ValidateSkip 驗證並限制跳過數量
func ValidateSkip(skip int64) int64 {
	if skip < 0 {
		return 0
	}
	if skip > MaxSkip {
		return MaxSkip
	}
	return skip
}
