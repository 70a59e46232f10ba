package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// AuthTokenHeader is the metadata key for the admin token
	AuthTokenHeader = "x-auth-token"
)

// checkToken validates the admin token carried in ctx.
// An empty expectedToken disables the check.
func checkToken(ctx context.Context, expectedToken string) error {
	if expectedToken == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get(AuthTokenHeader)
	if len(tokens) == 0 {
		return status.Error(codes.Unauthenticated, "missing auth token")
	}
	if tokens[0] != expectedToken {
		return status.Error(codes.Unauthenticated, "invalid auth token")
	}
	return nil
}

// AuthInterceptor guards unary admin RPCs such as Health/Check.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := checkToken(ctx, expectedToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// AuthStreamInterceptor guards streaming admin RPCs such as Health/Watch.
func AuthStreamInterceptor(expectedToken string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := checkToken(ss.Context(), expectedToken); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// withToken attaches the admin token to an outgoing call.
func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, token)
}
