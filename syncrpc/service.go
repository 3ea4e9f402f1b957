package syncrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName                         = "shopsync.Syncer"
	Syncer_UploadChanges_FullMethodName = "/" + serviceName + "/UploadChanges"
	Syncer_GetUpdates_FullMethodName    = "/" + serviceName + "/GetUpdates"
	Syncer_TrackChanges_FullMethodName  = "/" + serviceName + "/TrackChanges"
)

type SyncerServer interface {
	UploadChanges(context.Context, *UploadRequest) (*UploadReply, error)
	GetUpdates(context.Context, *UpdatesQuery) (*UpdatesReply, error)
	TrackChanges(*TrackRequest, Syncer_TrackChangesServer) error
}

type UnimplementedSyncerServer struct{}

func (UnimplementedSyncerServer) UploadChanges(context.Context, *UploadRequest) (*UploadReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method UploadChanges not implemented")
}

func (UnimplementedSyncerServer) GetUpdates(context.Context, *UpdatesQuery) (*UpdatesReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetUpdates not implemented")
}

func (UnimplementedSyncerServer) TrackChanges(*TrackRequest, Syncer_TrackChangesServer) error {
	return status.Errorf(codes.Unimplemented, "method TrackChanges not implemented")
}

type Syncer_TrackChangesServer interface {
	Send(*ChangeNotice) error
	grpc.ServerStream
}

type syncerTrackChangesServer struct {
	grpc.ServerStream
}

func (x *syncerTrackChangesServer) Send(m *ChangeNotice) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterSyncerServer(s grpc.ServiceRegistrar, srv SyncerServer) {
	s.RegisterService(&Syncer_ServiceDesc, srv)
}

func _Syncer_UploadChanges_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UploadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).UploadChanges(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_UploadChanges_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncerServer).UploadChanges(ctx, req.(*UploadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_GetUpdates_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdatesQuery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).GetUpdates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Syncer_GetUpdates_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncerServer).GetUpdates(ctx, req.(*UpdatesQuery))
	}
	return interceptor(ctx, in, info, handler)
}

func _Syncer_TrackChanges_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(TrackRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SyncerServer).TrackChanges(m, &syncerTrackChangesServer{stream})
}

var Syncer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SyncerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "UploadChanges",
			Handler:    _Syncer_UploadChanges_Handler,
		},
		{
			MethodName: "GetUpdates",
			Handler:    _Syncer_GetUpdates_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "TrackChanges",
			Handler:       _Syncer_TrackChanges_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "syncer",
}

type SyncerClient interface {
	UploadChanges(ctx context.Context, in *UploadRequest, opts ...grpc.CallOption) (*UploadReply, error)
	GetUpdates(ctx context.Context, in *UpdatesQuery, opts ...grpc.CallOption) (*UpdatesReply, error)
	TrackChanges(ctx context.Context, in *TrackRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error)
}

type syncerClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncerClient(cc grpc.ClientConnInterface) SyncerClient {
	return &syncerClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *syncerClient) UploadChanges(ctx context.Context, in *UploadRequest, opts ...grpc.CallOption) (*UploadReply, error) {
	out := new(UploadReply)
	if err := c.cc.Invoke(ctx, Syncer_UploadChanges_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) GetUpdates(ctx context.Context, in *UpdatesQuery, opts ...grpc.CallOption) (*UpdatesReply, error) {
	out := new(UpdatesReply)
	if err := c.cc.Invoke(ctx, Syncer_GetUpdates_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type Syncer_TrackChangesClient interface {
	Recv() (*ChangeNotice, error)
	grpc.ClientStream
}

type syncerTrackChangesClient struct {
	grpc.ClientStream
}

func (x *syncerTrackChangesClient) Recv() (*ChangeNotice, error) {
	m := new(ChangeNotice)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *syncerClient) TrackChanges(ctx context.Context, in *TrackRequest, opts ...grpc.CallOption) (Syncer_TrackChangesClient, error) {
	stream, err := c.cc.NewStream(ctx, &Syncer_ServiceDesc.Streams[0], Syncer_TrackChanges_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &syncerTrackChangesClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
