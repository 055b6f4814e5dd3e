package trace

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor injects trace context into outgoing gRPC calls and logs their latency.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = injectMetadata(ctx)
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		Logger(ctx).Debug("inference call", "method", method, "duration", time.Since(start), "error", err)
		return err
	}
}

// StreamClientInterceptor injects trace context into streaming gRPC calls.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = injectMetadata(ctx)
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// injectMetadata adds trace context and session scope to outgoing gRPC metadata.
func injectMetadata(ctx context.Context) context.Context {
	tc, ok := FromContext(ctx)
	if !ok {
		tc = New()
		ctx = WithContext(ctx, tc)
	}

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}

	for k, v := range tc.ToMap() {
		md.Set(k, v)
	}
	if s := SessionID(ctx); s != "" {
		md.Set(SessionIDKey, s)
	}

	return metadata.NewOutgoingContext(ctx, md)
}
