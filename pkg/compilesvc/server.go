package compilesvc

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/tiercore/pkg/jit/softjit"
)

// CompileWorkerServer is the server side of the compile worker service.
type CompileWorkerServer interface {
	Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CompileWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compile", Handler: compileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tiercore/compile/v1/compile.proto",
}

func compileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CompileWorkerServer).Compile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: compileMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CompileWorkerServer).Compile(ctx, req.(*CompileRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServerStats counts requests handled by a worker.
type ServerStats struct {
	Requests uint64
	Compiled uint64
	Declined uint64
	Rejected uint64
}

// Server is a compile worker.
type Server struct {
	config Config
	token  string
	grpc   *grpc.Server

	requests atomic.Uint64
	compiled atomic.Uint64
	declined atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a compile worker. Serve starts it.
func NewServer(config Config) (*Server, error) {
	config = config.WithDefaults()
	if err := config.validateLimits(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{config: config, token: config.ExpandedToken()}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             config.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop finishes in-flight calls and shuts the worker down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Stats returns request counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Requests: s.requests.Load(),
		Compiled: s.compiled.Load(),
		Declined: s.declined.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Compile implements CompileWorkerServer.
func (s *Server) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	s.requests.Add(1)
	if err := s.authorize(ctx); err != nil {
		s.rejected.Add(1)
		return nil, err
	}
	if err := s.check(req); err != nil {
		s.rejected.Add(1)
		return nil, err
	}

	blk := softjit.Discover(req.Code, req.EntryRIP, req.Bitness, softjit.Limits{
		MaxInsts: req.MaxInsts,
		MaxBytes: req.MaxBytes,
	})
	resp := &CompileResponse{
		InstructionCount:            blk.InstructionCount(),
		ByteLen:                     blk.ByteLen,
		Ops:                         make([]uint8, len(blk.Ops)),
		Lens:                        blk.Lens,
		EndKind:                     uint8(blk.End),
		InhibitInterruptsAfterBlock: blk.InhibitAfter,
	}
	for i, op := range blk.Ops {
		resp.Ops[i] = uint8(op)
	}
	if resp.InstructionCount == 0 {
		resp.Declined = true
		resp.Reason = blk.End.String()
		s.declined.Add(1)
	} else {
		s.compiled.Add(1)
	}
	return resp, nil
}

func (s *Server) authorize(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("x-token") {
		if v == s.token {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid token")
}

func (s *Server) check(req *CompileRequest) error {
	switch req.Bitness {
	case 16, 32, 64:
	default:
		return status.Errorf(codes.InvalidArgument, "bitness %d", req.Bitness)
	}
	if len(req.Code) == 0 {
		return status.Error(codes.InvalidArgument, "empty code window")
	}
	if len(req.Code) > s.config.MaxCodeBytes {
		return status.Errorf(codes.InvalidArgument, "code window of %d bytes exceeds %d", len(req.Code), s.config.MaxCodeBytes)
	}
	if req.MaxInsts < 0 || req.MaxBytes < 0 {
		return status.Error(codes.InvalidArgument, "negative limit")
	}
	return nil
}
