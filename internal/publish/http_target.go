package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/target"
)

// HTTPTarget 透過 REST 端點發布到目標主機
type HTTPTarget struct {
	name    string
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPTarget baseURL 例如 http://website-1:8090
func NewHTTPTarget(name, baseURL string, client *http.Client) *HTTPTarget {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTarget{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// WithToken 每個請求附帶 bearer token
func (t *HTTPTarget) WithToken(token string) *HTTPTarget {
	t.token = token
	return t
}

func (t *HTTPTarget) Host() string { return t.name }

func (t *HTTPTarget) Begin(ctx context.Context) (string, error) {
	var resp target.BeginResponse
	if err := t.do(ctx, http.MethodPost, target.PathBegin, nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.TransactionID == "" {
		return "", errors.New("target returned empty transaction id")
	}
	return resp.TransactionID, nil
}

func (t *HTTPTarget) Push(ctx context.Context, txID string, item collection.ContentItem) error {
	q := url.Values{"transactionId": {txID}, "uri": {item.URI}}
	return t.do(ctx, http.MethodPost, target.PathPublish, q, item.Data, nil)
}

func (t *HTTPTarget) Commit(ctx context.Context, txID string) error {
	return t.do(ctx, http.MethodPost, target.PathCommit, url.Values{"transactionId": {txID}}, nil, nil)
}

// Verify 交易狀態為 committed 即視為已上線
func (t *HTTPTarget) Verify(ctx context.Context, txID string) (bool, error) {
	tx, err := t.Transaction(ctx, txID)
	if err != nil {
		return false, err
	}
	return tx.Status == target.StatusCommitted, nil
}

// Transaction 查詢交易狀態
func (t *HTTPTarget) Transaction(ctx context.Context, txID string) (*target.Transaction, error) {
	var tx target.Transaction
	if err := t.do(ctx, http.MethodGet, target.PathTransaction, url.Values{"transactionId": {txID}}, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (t *HTTPTarget) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
