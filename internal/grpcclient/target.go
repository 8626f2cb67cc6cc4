package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"collection-gateway/internal/collection"
	rpc "collection-gateway/internal/grpc"
	"collection-gateway/internal/target"
)

// Target 透過 gRPC PublishTarget 服務發布
type Target struct {
	name  string
	conn  grpc.ClientConnInterface
	token string
}

// NewTarget 使用既有連線
func NewTarget(name string, conn grpc.ClientConnInterface) *Target {
	return &Target{name: name, conn: conn}
}

// DialTarget 依地址取得共用連線
func DialTarget(name, address string) (*Target, error) {
	conn, err := GetConnection(address)
	if err != nil {
		return nil, err
	}
	return NewTarget(name, conn), nil
}

// WithToken 每次呼叫附帶 bearer token
func (t *Target) WithToken(token string) *Target {
	t.token = token
	return t
}

func (t *Target) Host() string { return t.name }

func (t *Target) Begin(ctx context.Context) (string, error) {
	out, err := t.invoke(ctx, rpc.MethodBegin, nil)
	if err != nil {
		return "", err
	}
	txID := out.GetFields()[rpc.FieldTransactionID].GetStringValue()
	if txID == "" {
		return "", errors.New("target returned empty transaction id")
	}
	return txID, nil
}

func (t *Target) Push(ctx context.Context, txID string, item collection.ContentItem) error {
	_, err := t.invoke(ctx, rpc.MethodPublish, map[string]interface{}{
		rpc.FieldTransactionID: txID,
		rpc.FieldURI:           item.URI,
		rpc.FieldContent:       base64.StdEncoding.EncodeToString(item.Data),
	})
	return err
}

func (t *Target) Commit(ctx context.Context, txID string) error {
	_, err := t.invoke(ctx, rpc.MethodCommit, map[string]interface{}{rpc.FieldTransactionID: txID})
	return err
}

func (t *Target) Verify(ctx context.Context, txID string) (bool, error) {
	tx, err := t.Transaction(ctx, txID)
	if err != nil {
		return false, err
	}
	return tx.Status == target.StatusCommitted, nil
}

// Transaction 查詢交易（運維工具也使用）
func (t *Target) Transaction(ctx context.Context, txID string) (*target.Transaction, error) {
	out, err := t.invoke(ctx, rpc.MethodGetTransaction, map[string]interface{}{rpc.FieldTransactionID: txID})
	if err != nil {
		return nil, err
	}

	fields := out.GetFields()
	tx := &target.Transaction{
		ID:     fields[rpc.FieldTransactionID].GetStringValue(),
		Status: target.Status(fields[rpc.FieldStatus].GetStringValue()),
	}
	for _, v := range fields[rpc.FieldURIs].GetListValue().GetValues() {
		tx.URIs = append(tx.URIs, v.GetStringValue())
	}
	return tx, nil
}

func (t *Target) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}
	out := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
