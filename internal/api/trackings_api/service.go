package trackings_api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "trackbox.TrackingsService"

	getMethod   = "/" + ServiceName + "/GetOrderTracking"
	listMethod  = "/" + ServiceName + "/ListOrderTrackings"
	watchMethod = "/" + ServiceName + "/WatchOrderTracking"
)

type TrackingsServiceServer interface {
	GetOrderTracking(context.Context, *GetOrderTrackingRequest) (*OrderTrackingReply, error)
	ListOrderTrackings(context.Context, *ListOrderTrackingsRequest) (*ListOrderTrackingsReply, error)
	WatchOrderTracking(*WatchOrderTrackingRequest, TrackingsService_WatchOrderTrackingServer) error
}

// UnimplementedTrackingsServiceServer can be embedded to stay forward compatible.
type UnimplementedTrackingsServiceServer struct{}

func (UnimplementedTrackingsServiceServer) GetOrderTracking(context.Context, *GetOrderTrackingRequest) (*OrderTrackingReply, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrderTracking not implemented")
}

func (UnimplementedTrackingsServiceServer) ListOrderTrackings(context.Context, *ListOrderTrackingsRequest) (*ListOrderTrackingsReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ListOrderTrackings not implemented")
}

func (UnimplementedTrackingsServiceServer) WatchOrderTracking(*WatchOrderTrackingRequest, TrackingsService_WatchOrderTrackingServer) error {
	return status.Error(codes.Unimplemented, "method WatchOrderTracking not implemented")
}

type TrackingsService_WatchOrderTrackingServer interface {
	Send(*OrderTrackingReply) error
	grpc.ServerStream
}

type watchOrderTrackingServer struct {
	grpc.ServerStream
}

func (x *watchOrderTrackingServer) Send(m *OrderTrackingReply) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterTrackingsServiceServer(s grpc.ServiceRegistrar, srv TrackingsServiceServer) {
	s.RegisterService(&TrackingsService_ServiceDesc, srv)
}

func getOrderTrackingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderTrackingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackingsServiceServer).GetOrderTracking(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackingsServiceServer).GetOrderTracking(ctx, req.(*GetOrderTrackingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listOrderTrackingsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListOrderTrackingsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackingsServiceServer).ListOrderTrackings(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackingsServiceServer).ListOrderTrackings(ctx, req.(*ListOrderTrackingsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchOrderTrackingHandler(srv any, stream grpc.ServerStream) error {
	m := new(WatchOrderTrackingRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TrackingsServiceServer).WatchOrderTracking(m, &watchOrderTrackingServer{stream})
}

var TrackingsService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackingsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrderTracking", Handler: getOrderTrackingHandler},
		{MethodName: "ListOrderTrackings", Handler: listOrderTrackingsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchOrderTracking", Handler: watchOrderTrackingHandler, ServerStreams: true},
	},
}

// TrackingsServiceClient calls the service with the JSON codec.
type TrackingsServiceClient interface {
	GetOrderTracking(ctx context.Context, in *GetOrderTrackingRequest, opts ...grpc.CallOption) (*OrderTrackingReply, error)
	ListOrderTrackings(ctx context.Context, in *ListOrderTrackingsRequest, opts ...grpc.CallOption) (*ListOrderTrackingsReply, error)
	WatchOrderTracking(ctx context.Context, in *WatchOrderTrackingRequest, opts ...grpc.CallOption) (TrackingsService_WatchOrderTrackingClient, error)
}

type TrackingsService_WatchOrderTrackingClient interface {
	Recv() (*OrderTrackingReply, error)
	grpc.ClientStream
}

type trackingsServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackingsServiceClient(cc grpc.ClientConnInterface) TrackingsServiceClient {
	return &trackingsServiceClient{cc: cc}
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *trackingsServiceClient) GetOrderTracking(ctx context.Context, in *GetOrderTrackingRequest, opts ...grpc.CallOption) (*OrderTrackingReply, error) {
	out := new(OrderTrackingReply)
	if err := c.cc.Invoke(ctx, getMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *trackingsServiceClient) ListOrderTrackings(ctx context.Context, in *ListOrderTrackingsRequest, opts ...grpc.CallOption) (*ListOrderTrackingsReply, error) {
	out := new(ListOrderTrackingsReply)
	if err := c.cc.Invoke(ctx, listMethod, in, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *trackingsServiceClient) WatchOrderTracking(ctx context.Context, in *WatchOrderTrackingRequest, opts ...grpc.CallOption) (TrackingsService_WatchOrderTrackingClient, error) {
	stream, err := c.cc.NewStream(ctx, &TrackingsService_ServiceDesc.Streams[0], watchMethod, withJSON(opts)...)
	if err != nil {
		return nil, err
	}
	x := &watchOrderTrackingClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchOrderTrackingClient struct {
	grpc.ClientStream
}

func (x *watchOrderTrackingClient) Recv() (*OrderTrackingReply, error) {
	m := new(OrderTrackingReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
