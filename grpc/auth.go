package grpc

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// ClusterSecretHeader is the metadata key for the cluster secret
	ClusterSecretHeader = "x-mvccoord-cluster-secret"
)

// UnaryServerInterceptor returns a server interceptor that validates the cluster
// secret. An empty secret disables authentication.
func UnaryServerInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := validateClusterSecret(ctx, secret); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// validateClusterSecret checks if the request contains a valid cluster secret
func validateClusterSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	secrets := md.Get(ClusterSecretHeader)
	if len(secrets) == 0 {
		return status.Error(codes.Unauthenticated, "missing cluster secret")
	}

	if subtle.ConstantTimeCompare([]byte(secrets[0]), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid cluster secret")
	}

	return nil
}

// UnaryClientInterceptor returns a client interceptor that adds the cluster secret
func UnaryClientInterceptor(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
