// ============================================================================
// gRPC control surface
// ============================================================================
//
// Package: internal/server
// File: grpc.go
//
// Service: attendance.v1.TrackerService
//
//   rpc StartTracking (google.protobuf.Struct) returns (google.protobuf.Struct)
//   rpc StopTracking  (google.protobuf.Struct) returns (google.protobuf.Struct)
//   rpc GetState      (google.protobuf.Struct) returns (google.protobuf.Struct)
//   rpc Capture       (google.protobuf.Struct) returns (google.protobuf.Struct)
//   rpc Probe         (google.protobuf.Struct) returns (google.protobuf.Struct)
//
// Messages are google.protobuf.Struct holding the same JSON documents the
// HTTP API uses, so both surfaces share one set of request/response types.
//
// Error mapping:
//   invalid request           -> InvalidArgument
//   tracker closed            -> Unavailable
//   panel / no participants   -> FailedPrecondition
//   capture timed out         -> DeadlineExceeded
//   anything else             -> Internal
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/internal/tracker"
	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

const serviceName = "attendance.v1.TrackerService"

// TrackerServiceServer is the server API for attendance.v1.TrackerService.
type TrackerServiceServer interface {
	StartTracking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopTracking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Capture(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Probe(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTrackerServiceServer registers srv on s.
func RegisterTrackerServiceServer(s grpc.ServiceRegistrar, srv TrackerServiceServer) {
	s.RegisterService(&trackerServiceDesc, srv)
}

type unaryCall func(TrackerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TrackerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TrackerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var trackerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TrackerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTracking", Handler: unaryHandler("StartTracking", TrackerServiceServer.StartTracking)},
		{MethodName: "StopTracking", Handler: unaryHandler("StopTracking", TrackerServiceServer.StopTracking)},
		{MethodName: "GetState", Handler: unaryHandler("GetState", TrackerServiceServer.GetState)},
		{MethodName: "Capture", Handler: unaryHandler("Capture", TrackerServiceServer.Capture)},
		{MethodName: "Probe", Handler: unaryHandler("Probe", TrackerServiceServer.Probe)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attendance/v1/tracker.proto",
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer adapts Service to TrackerServiceServer.
type GRPCServer struct {
	svc *Service
}

// NewGRPCServer creates a gRPC server backed by svc.
func NewGRPCServer(svc *Service) *GRPCServer {
	return &GRPCServer{svc: svc}
}

// StartTracking implements TrackerServiceServer.
func (s *GRPCServer) StartTracking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.svc.StartTracking(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

// StopTracking implements TrackerServiceServer.
func (s *GRPCServer) StopTracking(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp, err := s.svc.StopTracking(context.WithoutCancel(ctx))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

// GetState implements TrackerServiceServer.
func (s *GRPCServer) GetState(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.svc.Status())
}

// Capture implements TrackerServiceServer.
func (s *GRPCServer) Capture(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CaptureRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.svc.Capture(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(result)
}

// Probe implements TrackerServiceServer.
func (s *GRPCServer) Probe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProbeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.svc.Probe(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(result)
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tracker.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, roster.ErrPanelUnavailable), errors.Is(err, capture.ErrNoParticipantsFound):
		return status.Error(codes.FailedPrecondition, capture.UserMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, capture.UserMessage(err))
	default:
		return status.Error(codes.Internal, capture.UserMessage(err))
	}
}

// ============================================================================
// Client
// ============================================================================

// Client calls a remote TrackerService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a TrackerService at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, reply); err != nil {
		return err
	}
	return fromStruct(reply, out)
}

// StartTracking starts a remote session.
func (c *Client) StartTracking(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	err := c.invoke(ctx, "StartTracking", req, &resp)
	return resp, err
}

// StopTracking stops the remote session.
func (c *Client) StopTracking(ctx context.Context) (StopResponse, error) {
	var resp StopResponse
	err := c.invoke(ctx, "StopTracking", struct{}{}, &resp)
	return resp, err
}

// GetState returns the remote tracker state.
func (c *Client) GetState(ctx context.Context) (tracker.State, error) {
	var state tracker.State
	err := c.invoke(ctx, "GetState", struct{}{}, &state)
	return state, err
}

// Capture takes a remote one-shot capture.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (capture.OnceResult, error) {
	var result capture.OnceResult
	err := c.invoke(ctx, "Capture", req, &result)
	return result, err
}

// Probe checks a remote target.
func (c *Client) Probe(ctx context.Context, req ProbeRequest) (types.MeetingStatus, error) {
	var result types.MeetingStatus
	err := c.invoke(ctx, "Probe", req, &result)
	return result, err
}

// ============================================================================
// Struct conversion
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to convert message: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
