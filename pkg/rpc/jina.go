package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/chen-yuxuan/jina/pkg/types"
)

// CallMethod is the full method name of the streaming data-plane RPC.
const CallMethod = "/jina.JinaRPC/Call"

// JinaRPCServer is implemented by every runtime that accepts data
// requests (gateway, head, worker).
type JinaRPCServer interface {
	// Call receives a stream of requests and sends back a stream of
	// responses. Workers and heads answer one response per request;
	// the gateway may answer 1..N responses per request depending on
	// how many graph paths reach the end node.
	Call(JinaRPC_CallServer) error
}

// JinaRPC_CallServer is the server view of one Call stream.
type JinaRPC_CallServer interface {
	Send(*types.DataResponse) error
	Recv() (*types.DataRequest, error)
	grpc.ServerStream
}

type jinaRPCCallServer struct {
	grpc.ServerStream
}

func (x *jinaRPCCallServer) Send(m *types.DataResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *jinaRPCCallServer) Recv() (*types.DataRequest, error) {
	m := new(types.DataRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func callHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(JinaRPCServer).Call(&jinaRPCCallServer{stream})
}

// ServiceDesc is the hand-written service descriptor for jina.JinaRPC.
// The service carries a single bidirectional streaming method; message
// framing is handled by the registered JSON codec, so no generated
// protobuf bindings are required.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "jina.JinaRPC",
	HandlerType: (*JinaRPCServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Call",
			Handler:       callHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "jina.JinaRPC",
}

// RegisterJinaRPCServer registers srv on a gRPC server.
func RegisterJinaRPCServer(s grpc.ServiceRegistrar, srv JinaRPCServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// JinaRPCClient opens Call streams against a runtime.
type JinaRPCClient interface {
	Call(ctx context.Context, opts ...grpc.CallOption) (JinaRPC_CallClient, error)
}

// JinaRPC_CallClient is the client view of one Call stream.
type JinaRPC_CallClient interface {
	Send(*types.DataRequest) error
	Recv() (*types.DataResponse, error)
	CloseSend() error
	grpc.ClientStream
}

type jinaRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewJinaRPCClient wraps an established connection.
func NewJinaRPCClient(cc grpc.ClientConnInterface) JinaRPCClient {
	return &jinaRPCClient{cc: cc}
}

func (c *jinaRPCClient) Call(ctx context.Context, opts ...grpc.CallOption) (JinaRPC_CallClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], CallMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &jinaRPCCallClient{stream}, nil
}

type jinaRPCCallClient struct {
	grpc.ClientStream
}

func (x *jinaRPCCallClient) Send(m *types.DataRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *jinaRPCCallClient) Recv() (*types.DataResponse, error) {
	m := new(types.DataResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
