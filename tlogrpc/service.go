// Package tlogrpc carries the peek RPC over gRPC. The peek payload is
// already framed by the wire package, so the service rides the tlogwire
// codec with a hand-written descriptor instead of compiled stubs.
package tlogrpc

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/wire"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "tlog.TLogService"

	peekFullMethod = "/" + ServiceName + "/Peek"
)

// PeekBackend answers peek requests; *memorytlog.MemoryTLog satisfies it.
type PeekBackend interface {
	Peek(ctx context.Context, req *wire.PeekRequest) (*wire.PeekReply, error)
}

// RegisterTLogServer exposes backend on s. ErrEndOfStream is mapped to
// codes.OutOfRange on the way out and back (see Client.Peek); other backend
// errors are returned unchanged.
func RegisterTLogServer(s *grpc.Server, backend PeekBackend) {
	s.RegisterService(&serviceDesc, &tlogServer{backend: backend})
}

// tlogServer adapts a backend to the wire error contract.
type tlogServer struct {
	backend PeekBackend
}

func (s *tlogServer) Peek(ctx context.Context, req *wire.PeekRequest) (*wire.PeekReply, error) {
	reply, err := s.backend.Peek(ctx, req)
	if err != nil {
		if errors.Is(err, mutation.ErrEndOfStream) {
			return nil, status.Error(codes.OutOfRange, err.Error())
		}
		return nil, err
	}
	return reply, nil
}

func peekHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.PeekRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeekBackend).Peek(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peekFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeekBackend).Peek(ctx, req.(*wire.PeekRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeekBackend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Peek", Handler: peekHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tlogrpc",
}
