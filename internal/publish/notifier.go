package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"collection-gateway/internal/platform/logger"
)

// Notification 快取失效通知內容
type Notification struct {
	EventType string   `json:"eventType"`
	URIs      []string `json:"uris"`
}

// HTTPNotifier 把通知 POST 到外部端點
type HTTPNotifier struct {
	url    string
	client *http.Client
}

// NewHTTPNotifier 創建通知器
func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNotifier) SendNotification(ctx context.Context, eventType string, uris []string) error {
	body, err := json.Marshal(Notification{EventType: eventType, URIs: uris})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier 未設定端點時只寫日誌
type LogNotifier struct{}

func (LogNotifier) SendNotification(ctx context.Context, eventType string, uris []string) error {
	logger.Info(ctx, "publish notification",
		logger.WithAction(eventType),
		logger.WithDetails(map[string]interface{}{"uris": uris}))
	return nil
}
