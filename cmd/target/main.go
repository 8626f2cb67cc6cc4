// target 發布目標主機：接收閘道推送的交易，commit 後提供網站內容
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	googlegrpc "google.golang.org/grpc"

	"collection-gateway/internal/grpc"
	"collection-gateway/internal/platform/config"
	"collection-gateway/internal/platform/logger"
	"collection-gateway/internal/platform/middleware"
	"collection-gateway/internal/target"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func mainNoExit() error {
	root := flag.String("root", "./target-data", "交易與網站內容的根目錄")
	httpPort := flag.String("http-port", "8090", "HTTP 端口，空字串表示停用")
	grpcPort := flag.String("grpc-port", "", "gRPC 端口，預設使用配置檔 grpc.port，設為 off 停用")
	flag.Parse()

	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()
	if *grpcPort == "" {
		*grpcPort = cfg.GRPC.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := target.NewStore(*root)
	if err != nil {
		return err
	}
	auth := middleware.NewTargetTokenAuth(cfg.Publish.TargetToken)

	errCh := make(chan error, 2)

	var grpcServer *grpc.Server
	if *grpcPort != "" && *grpcPort != "off" {
		grpcServer, err = grpc.NewServer(store, cfg.Security.TLS, googlegrpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()))
		if err != nil {
			return err
		}
		go func() { errCh <- grpcServer.Start(*grpcPort) }()
	}

	var httpServer *http.Server
	if *httpPort != "" {
		if !cfg.App.Debug {
			gin.SetMode(gin.ReleaseMode)
		}
		r := gin.New()
		r.Use(gin.Recovery(), middleware.RequestIDMiddleware(), auth.GinMiddleware())
		target.NewHandler(store).RegisterRoutes(r)

		httpServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, *httpPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Infof(ctx, "目標主機 HTTP 啟動在 %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if grpcServer == nil && httpServer == nil {
		return errors.New("no listener enabled")
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error(ctx, "目標主機服務失敗", logger.WithError(err))
	}

	logger.Info(ctx, "正在關閉目標主機...", logger.WithAction("shutdown"))
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Errorf(ctx, "HTTP 關閉失敗: %v", shutdownErr)
		}
	}
	return err
}
