package model

import (
	"context"
	"fmt"
	"math"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The model service exchanges google.protobuf.Struct messages so any server
// can implement it without generated stubs. Requests carry {"rows": [[...]]};
// responses carry {"rows": [[...]], "version": "..."}.
const (
	serviceName  = "specscan.model.v1.Model"
	methodInfo   = "Info"
	methodEncode = "Encode"
	methodDecode = "Decode"
)

// Remote is a Model served by an external process over gRPC.
type Remote struct {
	conn    *grpc.ClientConn
	version string
}

// Dial connects to target and asks the server for its model version. When
// version is non-empty the server must report the same tag.
func Dial(ctx context.Context, target, version string, opts ...grpc.DialOption) (*Remote, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}
	dialOpts = append(dialOpts, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial model server %s: %w", target, err)
	}
	r := &Remote{conn: conn}

	resp, err := r.call(ctx, methodInfo, &structpb.Struct{})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	served := resp.GetFields()["version"].GetStringValue()
	if served == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("model server %s did not report a version", target)
	}
	if version != "" && served != version {
		_ = conn.Close()
		return nil, fmt.Errorf("model server %s serves version %q, expected %q", target, served, version)
	}
	r.version = served
	return r, nil
}

func (r *Remote) Version() string { return r.version }

func (r *Remote) Encode(ctx context.Context, rows [][]float64) ([][]float64, error) {
	return r.transform(ctx, methodEncode, rows)
}

func (r *Remote) Decode(ctx context.Context, latent [][]float64) ([][]float64, error) {
	return r.transform(ctx, methodDecode, latent)
}

// Close releases the connection.
func (r *Remote) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Remote) transform(ctx context.Context, method string, rows [][]float64) ([][]float64, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{"rows": rowsValue(rows)}}
	resp, err := r.call(ctx, method, req)
	if err != nil {
		return nil, err
	}
	out, err := rowsFrom(resp)
	if err != nil {
		return nil, fmt.Errorf("model %s response: %w", method, err)
	}
	if len(out) != len(rows) {
		return nil, fmt.Errorf("%w: model %s returned %d rows for %d", ErrShape, method, len(out), len(rows))
	}
	return out, nil
}

func (r *Remote) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("%w: model %s: %s", ErrShape, method, status.Convert(err).Message())
		}
		return nil, fmt.Errorf("model %s: %w", method, err)
	}
	return resp, nil
}

// NewServer returns a gRPC server exposing m, instrumented with Prometheus
// interceptors and a health service.
func NewServer(m Model, opts ...grpc.ServerOption) *grpc.Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	srv := grpc.NewServer(serverOpts...)
	srv.RegisterService(&serviceDesc, m)
	grpc_prometheus.Register(srv)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)
	return srv
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Model)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodInfo, Handler: unaryHandler(methodInfo, serveInfo)},
		{MethodName: methodEncode, Handler: unaryHandler(methodEncode, serveTransform(Model.Encode))},
		{MethodName: methodDecode, Handler: unaryHandler(methodDecode, serveTransform(Model.Decode))},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "specscan/model/v1/model.proto",
}

type serveFunc func(ctx context.Context, m Model, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn serveFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, srv.(Model), req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, handler)
	}
}

func serveInfo(_ context.Context, m Model, _ *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"version": structpb.NewStringValue(m.Version()),
	}}, nil
}

func serveTransform(op func(Model, context.Context, [][]float64) ([][]float64, error)) serveFunc {
	return func(ctx context.Context, m Model, req *structpb.Struct) (*structpb.Struct, error) {
		rows, err := rowsFrom(req)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		out, err := op(m, ctx, rows)
		if err != nil {
			if ctx.Err() != nil {
				return nil, status.FromContextError(ctx.Err()).Err()
			}
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"rows":    rowsValue(out),
			"version": structpb.NewStringValue(m.Version()),
		}}, nil
	}
}

func rowsValue(rows [][]float64) *structpb.Value {
	list := make([]*structpb.Value, len(rows))
	for i, row := range rows {
		values := make([]*structpb.Value, len(row))
		for j, v := range row {
			values[j] = structpb.NewNumberValue(v)
		}
		list[i] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func rowsFrom(s *structpb.Struct) ([][]float64, error) {
	v, ok := s.GetFields()["rows"]
	if !ok {
		return nil, fmt.Errorf("missing rows field")
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("rows is not a list")
	}
	out := make([][]float64, len(list.GetValues()))
	for i, rv := range list.GetValues() {
		inner := rv.GetListValue()
		if inner == nil {
			return nil, fmt.Errorf("row %d is not a list", i)
		}
		row := make([]float64, len(inner.GetValues()))
		for j, x := range inner.GetValues() {
			n, ok := x.GetKind().(*structpb.Value_NumberValue)
			if !ok || math.IsNaN(n.NumberValue) {
				return nil, fmt.Errorf("row %d value %d is not a number", i, j)
			}
			row[j] = n.NumberValue
		}
		out[i] = row
	}
	return out, nil
}
