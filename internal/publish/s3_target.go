package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/platform/config"
)

const manifestName = "_manifest.json"

// s3API S3Target 用到的 client 方法
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Manifest commit 時寫入，存在即代表交易完成
type Manifest struct {
	TransactionID string   `json:"transactionId"`
	URIs          []string `json:"uris"`
}

// S3Target 發布到物件儲存：<prefix>/<txID>/<uri>，最後寫 manifest
type S3Target struct {
	name   string
	bucket string
	prefix string
	client s3API

	mu      sync.Mutex
	pending map[string][]string
}

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

// NewS3Target 依設定建立 S3 client（支援 MinIO 之類的自訂 endpoint）
func NewS3Target(ctx context.Context, name string, cfg config.S3Config) (*S3Target, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Target(name, cfg.Bucket, cfg.Prefix, client), nil
}

func newS3Target(name, bucket, prefix string, client s3API) *S3Target {
	return &S3Target{
		name:    name,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		client:  client,
		pending: make(map[string][]string),
	}
}

func (t *S3Target) Host() string { return t.name }

func (t *S3Target) Begin(context.Context) (string, error) {
	txID := uuid.NewString()
	t.mu.Lock()
	t.pending[txID] = []string{}
	t.mu.Unlock()
	return txID, nil
}

func (t *S3Target) Push(ctx context.Context, txID string, item collection.ContentItem) error {
	t.mu.Lock()
	_, ok := t.pending[txID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transaction %s", txID)
	}

	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(txID, item.URI)),
		Body:   bytes.NewReader(item.Data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", item.URI, err)
	}

	t.mu.Lock()
	t.pending[txID] = append(t.pending[txID], item.URI)
	t.mu.Unlock()
	return nil
}

func (t *S3Target) Commit(ctx context.Context, txID string) error {
	t.mu.Lock()
	uris, ok := t.pending[txID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transaction %s", txID)
	}

	sorted := append([]string(nil), uris...)
	sort.Strings(sorted)
	data, err := json.Marshal(Manifest{TransactionID: txID, URIs: sorted})
	if err != nil {
		return err
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(t.key(txID, manifestName)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}

	t.mu.Lock()
	delete(t.pending, txID)
	t.mu.Unlock()
	return nil
}

// Verify manifest 存在即完成
func (t *S3Target) Verify(ctx context.Context, txID string) (bool, error) {
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(txID, manifestName)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (t *S3Target) key(txID, name string) string {
	return path.Join(t.prefix, txID, strings.TrimPrefix(name, "/"))
}
