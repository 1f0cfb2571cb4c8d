package rpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Dial opens a plaintext connection to another runtime. Connections are
// lazy; the first stream forces the transport handshake.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

// IsTransient reports whether err is a transport-level failure worth
// retrying on another replica: connection refused, stream reset, or an
// expired deadline. Cancellation and application errors are not
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	}
	return false
}

// IsCancelled reports whether err is a benign shutdown cause.
func IsCancelled(err error) bool {
	return status.Code(err) == codes.Canceled
}
