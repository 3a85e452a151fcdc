package simd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "diffusion.v1.SimulationService"

// SimulationServiceServer is the gRPC surface of the daemon. Requests and
// responses are structpb.Struct documents with the same fields as the HTTP API.
type SimulationServiceServer interface {
	CreateRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SimulationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SimulationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SimulationServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SimulationServiceDesc describes the service for grpc.Server.RegisterService.
var SimulationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("CreateRun", SimulationServiceServer.CreateRun),
		unaryHandler("GetRun", SimulationServiceServer.GetRun),
		unaryHandler("ListRuns", SimulationServiceServer.ListRuns),
		unaryHandler("StopRun", SimulationServiceServer.StopRun),
		unaryHandler("ResumeRun", SimulationServiceServer.ResumeRun),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterSimulationServiceServer registers srv on s.
func RegisterSimulationServiceServer(s grpc.ServiceRegistrar, srv SimulationServiceServer) {
	s.RegisterService(&SimulationServiceDesc, srv)
}

// SimulationGRPCServer implements SimulationServiceServer on a RunExecutor.
type SimulationGRPCServer struct {
	Executor *RunExecutor
}

// NewSimulationGRPCServer creates a new SimulationGRPCServer.
func NewSimulationGRPCServer(executor *RunExecutor) *SimulationGRPCServer {
	return &SimulationGRPCServer{Executor: executor}
}

func (s *SimulationGRPCServer) CreateRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	create := CreateRequest{
		RunID:          fields["run_id"].GetStringValue(),
		ConfigYAML:     fields["config_yaml"].GetStringValue(),
		NetworkYAML:    fields["network_yaml"].GetStringValue(),
		Restore:        fields["restore"].GetBoolValue(),
		CallbackURL:    fields["callback_url"].GetStringValue(),
		CallbackSecret: fields["callback_secret"].GetStringValue(),
	}
	rec, err := s.Executor.Create(ctx, create)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.Info("run created (gRPC)", "run_id", rec.ID)
	return runResponse(rec)
}

func (s *SimulationGRPCServer) GetRun(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := requireRunID(req)
	if err != nil {
		return nil, err
	}
	rec, ok := s.Executor.Runs().Get(runID)
	if !ok {
		return nil, status.Error(codes.NotFound, "run not found")
	}
	return runResponse(rec)
}

func (s *SimulationGRPCServer) ListRuns(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	recs := s.Executor.Runs().List(limit, 0, "")
	runs := make([]any, 0, len(recs))
	for _, rec := range recs {
		runs = append(runs, convertRunToJSON(rec.Run()))
	}
	out, err := structpb.NewStruct(map[string]any{"runs": runs})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *SimulationGRPCServer) StopRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := requireRunID(req)
	if err != nil {
		return nil, err
	}
	rec, err := s.Executor.Stop(ctx, runID)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.Info("run stopped (gRPC)", "run_id", runID)
	return runResponse(rec)
}

func (s *SimulationGRPCServer) ResumeRun(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := requireRunID(req)
	if err != nil {
		return nil, err
	}
	rec, err := s.Executor.Start(runID)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.Info("run resumed (gRPC)", "run_id", runID)
	return runResponse(rec)
}

func requireRunID(req *structpb.Struct) (string, error) {
	runID := req.GetFields()["run_id"].GetStringValue()
	if runID == "" {
		return "", status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	return runID, nil
}

func runResponse(rec *RunRecord) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{"run": convertRunToJSON(rec.Run())})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func grpcError(err error) error {
	_, code := classify(err)
	return status.Error(code, err.Error())
}

// SimulationClient calls a SimulationService.
type SimulationClient struct {
	cc grpc.ClientConnInterface
}

// NewSimulationClient wraps a client connection.
func NewSimulationClient(cc grpc.ClientConnInterface) *SimulationClient {
	return &SimulationClient{cc: cc}
}

func (c *SimulationClient) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRun submits a run; see CreateRequest for the fields.
func (c *SimulationClient) CreateRun(ctx context.Context, req CreateRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateRun", map[string]any{
		"run_id":          req.RunID,
		"config_yaml":     req.ConfigYAML,
		"network_yaml":    req.NetworkYAML,
		"restore":         req.Restore,
		"callback_url":    req.CallbackURL,
		"callback_secret": req.CallbackSecret,
	}, opts...)
}

func (c *SimulationClient) GetRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetRun", map[string]any{"run_id": runID}, opts...)
}

func (c *SimulationClient) ListRuns(ctx context.Context, limit int, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRuns", map[string]any{"limit": limit}, opts...)
}

func (c *SimulationClient) StopRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StopRun", map[string]any{"run_id": runID}, opts...)
}

func (c *SimulationClient) ResumeRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ResumeRun", map[string]any{"run_id": runID}, opts...)
}
