package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// 服務與方法名稱，client 透過 conn.Invoke 呼叫
const (
	ServiceName = "collectiongateway.target.v1.PublishTarget"

	MethodBegin          = "/" + ServiceName + "/Begin"
	MethodPublish        = "/" + ServiceName + "/Publish"
	MethodCommit         = "/" + ServiceName + "/Commit"
	MethodGetTransaction = "/" + ServiceName + "/GetTransaction"
)

// 訊息欄位
const (
	FieldTransactionID = "transactionId"
	FieldURI           = "uri"
	FieldContent       = "content" // base64
	FieldStatus        = "status"
	FieldURIs          = "uris"
)

// PublishTargetServer 目標主機的 gRPC 介面，請求與回應皆為 structpb.Struct
type PublishTargetServer interface {
	Begin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPublishTargetServer 註冊服務
func RegisterPublishTargetServer(s grpc.ServiceRegistrar, srv PublishTargetServer) {
	s.RegisterService(&publishTargetServiceDesc, srv)
}

var publishTargetServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PublishTargetServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Begin", Handler: unaryHandler(MethodBegin, PublishTargetServer.Begin)},
		{MethodName: "Publish", Handler: unaryHandler(MethodPublish, PublishTargetServer.Publish)},
		{MethodName: "Commit", Handler: unaryHandler(MethodCommit, PublishTargetServer.Commit)},
		{MethodName: "GetTransaction", Handler: unaryHandler(MethodGetTransaction, PublishTargetServer.GetTransaction)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "publish_target",
}

type unaryMethod func(PublishTargetServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PublishTargetServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PublishTargetServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
