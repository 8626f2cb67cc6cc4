package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLog_WritesGCPEntry(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	ctx := WithTraceID(context.Background(), "trace-123")
	Error(ctx, "publish failed",
		WithCollectionID("coll-1"),
		WithHost("web-1"),
		WithError(errors.New("boom")),
	)

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("日誌不是合法 JSON: %v", err)
	}

	if entry.Severity != SeverityError {
		t.Errorf("severity 應為 ERROR，實際為 %s", entry.Severity)
	}
	if entry.CollectionID != "coll-1" || entry.Host != "web-1" || entry.Error != "boom" {
		t.Errorf("自定義欄位錯誤: %+v", entry)
	}
	if !strings.HasSuffix(entry.TraceID, "/traces/trace-123") {
		t.Errorf("trace 格式錯誤: %s", entry.TraceID)
	}
	if entry.InsertID == "" {
		t.Error("insertId 不應為空")
	}
	if entry.SourceLocation == nil || entry.SourceLocation.File != "logger_test.go" {
		t.Errorf("sourceLocation 應指向呼叫者，實際為 %+v", entry.SourceLocation)
	}
}

func TestInfof_NoTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	Infof(context.Background(), "scheduled %d collections", 3)

	if !strings.Contains(buf.String(), "scheduled 3 collections") {
		t.Errorf("訊息未格式化: %s", buf.String())
	}
	if strings.Contains(buf.String(), `"trace"`) {
		t.Errorf("沒有 trace ID 時不應輸出 trace 欄位")
	}
}
