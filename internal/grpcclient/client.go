package grpcclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	conns = make(map[string]*grpc.ClientConn)
	mu    sync.RWMutex
)

// GetConnection 依地址取得或建立共用連線
// TLS 設定從配置讀取，未載入配置時使用非加密連線
func GetConnection(address string) (*grpc.ClientConn, error) {
	mu.RLock()
	if conn, ok := conns[address]; ok {
		mu.RUnlock()
		return conn, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// 再次檢查（雙重檢查鎖定）
	if conn, ok := conns[address]; ok {
		return conn, nil
	}

	var (
		conn *grpc.ClientConn
		err  error
	)
	if cfg := config.Get(); cfg != nil && cfg.Security.TLS.Enabled {
		conn, err = dialWithTLS(address, cfg.Security.TLS)
	} else {
		conn, err = dialInsecure(address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC target at %s: %w", address, err)
	}

	conns[address] = conn
	return conn, nil
}

// dialWithTLS 使用 TLS 連接
func dialWithTLS(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if tlsConfig.CAFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		cfg.RootCAs = certPool
	}

	// 雙向 TLS
	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return grpc.NewClient(address, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
}

// dialInsecure 不使用 TLS 連接（僅開發環境）
func dialInsecure(address string) (*grpc.ClientConn, error) {
	logger.LogWarnf("gRPC 使用不安全連接（開發環境）: %s", address)
	return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// CloseConnections 關閉所有連線
func CloseConnections() error {
	mu.Lock()
	defer mu.Unlock()

	var firstErr error
	for addr, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(conns, addr)
	}
	return firstErr
}

// IsConnected 檢查是否已有該地址的連線
func IsConnected(address string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := conns[address]
	return ok
}
