package index

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func Test_QdrantFailureClassification(t *testing.T) {
	t.Parallel()

	// A dimension mismatch is a permanent rejection: callers must not see
	// ErrIndexUnavailable, or the jobs layer retries a hopeless write.
	dim := status.Error(codes.InvalidArgument, "vector dimension mismatch")
	if !permanentFailure(dim) {
		t.Error("InvalidArgument should classify as permanent")
	}
	if errors.Is(wrapFailure("upsert", dim), ErrIndexUnavailable) {
		t.Error("permanent rejection must not carry ErrIndexUnavailable")
	}

	missing := status.Error(codes.NotFound, "collection does not exist")
	if !permanentFailure(missing) {
		t.Error("NotFound should classify as permanent")
	}

	down := status.Error(codes.Unavailable, "connection refused")
	if permanentFailure(down) {
		t.Error("Unavailable should stay retryable")
	}
	if !errors.Is(wrapFailure("search", down), ErrIndexUnavailable) {
		t.Error("transient failure should carry ErrIndexUnavailable")
	}

	if permanentFailure(errors.New("plain failure")) {
		t.Error("non-status errors should stay retryable")
	}
}
