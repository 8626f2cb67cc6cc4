// targetctl 查詢發布目標主機上的交易狀態
//
//	targetctl -addr http://localhost:8090 <transactionId>
//	targetctl -grpc localhost:8081 <transactionId>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"collection-gateway/internal/grpcclient"
	"collection-gateway/internal/publish"
	"collection-gateway/internal/target"
)

type transactionReader interface {
	Transaction(ctx context.Context, txID string) (*target.Transaction, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "targetctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	httpAddr := flag.String("addr", "", "目標主機 HTTP 位址")
	grpcAddr := flag.String("grpc", "", "目標主機 gRPC 位址")
	token := flag.String("token", os.Getenv("PUBLISH_TARGET_TOKEN"), "目標主機 bearer token")
	timeout := flag.Duration("timeout", 10*time.Second, "請求超時")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("transaction id required")
	}

	var reader transactionReader
	switch {
	case *grpcAddr != "":
		t, err := grpcclient.DialTarget(*grpcAddr, *grpcAddr)
		if err != nil {
			return err
		}
		defer grpcclient.CloseConnections()
		reader = t.WithToken(*token)
	case *httpAddr != "":
		reader = publish.NewHTTPTarget(*httpAddr, *httpAddr, nil).WithToken(*token)
	default:
		return errors.New("either -addr or -grpc is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tx, err := reader.Transaction(ctx, flag.Arg(0))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tx)
}
