package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/logger"
)

const shutdownTimeout = 30 * time.Second

// Server HTTP 伺服器
type Server struct {
	http *http.Server
	cfg  config.ServerConfig
}

// New 創建 HTTP 伺服器
func New(handler http.Handler, cfg config.ServerConfig) (*Server, error) {
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Timeout) * time.Second,
		// 發佈請求會等待所有目標主機驗證完成
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.UseHTTPS {
		tlsConfig, err := LoadTLSConfig(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig
	}

	return &Server{http: srv, cfg: cfg}, nil
}

// Run 啟動並在 ctx 結束時優雅關閉
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.LogInfof("伺服器正在監聽: %s", s.http.Addr)
		var err error
		if s.http.TLSConfig != nil {
			// 憑證已載入 TLSConfig
			err = s.http.ListenAndServeTLS("", "")
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.LogInfof("收到關閉信號，正在優雅關閉伺服器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.LogErrorf("伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("伺服器已優雅關閉")
	return nil
}
