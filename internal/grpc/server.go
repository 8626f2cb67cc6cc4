package grpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"collection-gateway/internal/collection"
	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/target"
)

// Server gRPC 服務器，對外提供發布目標交易
type Server struct {
	grpcServer *grpc.Server
	store      *target.Store
}

// NewServer 創建新的 gRPC 服務器，opts 例如 token 驗證攔截器
func NewServer(store *target.Store, tlsConfig config.TLSConfig, opts ...grpc.ServerOption) (*Server, error) {
	var grpcServer *grpc.Server
	ctx := context.Background()

	// 根據 TLS 配置決定是否啟用 TLS
	if tlsConfig.Enabled {
		tlsCreds, err := loadTLSCredentials(tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		grpcServer = grpc.NewServer(append(opts, grpc.Creds(tlsCreds))...)
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		grpcServer = grpc.NewServer(opts...)
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}

	server := &Server{
		grpcServer: grpcServer,
		store:      store,
	}
	RegisterPublishTargetServer(grpcServer, server)

	return server, nil
}

// loadTLSCredentials 載入 TLS 憑證
func loadTLSCredentials(tlsConfig config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}

	// 有 CA 文件時要求客戶端證書
	if tlsConfig.CAFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA certs")
		}
		cfg.ClientCAs = certPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(cfg), nil
}

// Start 啟動 gRPC 服務器
func (s *Server) Start(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	logger.Infof(context.Background(), "gRPC 服務器啟動在端口 %s", port)
	return s.Serve(lis)
}

// Serve 在既有 listener 上服務（測試用 bufconn）
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop 停止 gRPC 服務器
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Begin 開啟交易
func (s *Server) Begin(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{FieldTransactionID: tx.ID})
}

// Publish 上傳一個檔案
func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	txID := fields[FieldTransactionID].GetStringValue()
	uri := fields[FieldURI].GetStringValue()
	if txID == "" || uri == "" {
		return nil, status.Error(codes.InvalidArgument, "transactionId and uri are required")
	}

	content, err := base64.StdEncoding.DecodeString(fields[FieldContent].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "content must be base64: %v", err)
	}

	if err := s.store.Publish(ctx, txID, uri, bytes.NewReader(content)); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{FieldTransactionID: txID, FieldURI: uri})
}

// Commit 讓交易內容上線
func (s *Server) Commit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := s.store.Commit(ctx, req.GetFields()[FieldTransactionID].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionStruct(tx)
}

// GetTransaction 查詢交易狀態
func (s *Server) GetTransaction(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tx, err := s.store.Get(req.GetFields()[FieldTransactionID].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionStruct(tx)
}

func transactionStruct(tx *target.Transaction) (*structpb.Struct, error) {
	uris := make([]interface{}, 0, len(tx.URIs))
	for _, u := range tx.URIs {
		uris = append(uris, u)
	}
	return structpb.NewStruct(map[string]interface{}{
		FieldTransactionID: tx.ID,
		FieldStatus:        string(tx.Status),
		FieldURIs:          uris,
	})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, target.ErrTransactionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, target.ErrTransactionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, collection.ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		logger.Error(context.Background(), "gRPC target request failed", logger.WithError(err))
		return status.Error(codes.Internal, "internal error")
	}
}
