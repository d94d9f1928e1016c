package rpc

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchworks/crochet3d/internal/assembly"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/recovery"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid argument sentinel", err: fmt.Errorf("%w: bad", ErrInvalidArgument), code: codes.InvalidArgument},
		{name: "op error not found", err: &assembly.OpError{Kind: assembly.KindNotFound, Op: "RemovePiece", Err: assembly.ErrNotFound}, code: codes.NotFound},
		{name: "saved project missing", err: recovery.ErrNotFound, code: codes.NotFound},
		{name: "self connect", err: assembly.ErrSelfConnect, code: codes.InvalidArgument},
		{name: "occupied", err: assembly.ErrOccupied, code: codes.FailedPrecondition},
		{name: "locked", err: assembly.ErrLocked, code: codes.FailedPrecondition},
		{name: "version mismatch", err: fmt.Errorf("%w: 2.0.0", exchange.ErrVersionMismatch), code: codes.FailedPrecondition},
		{name: "tier limit", err: assembly.ErrTierLimit, code: codes.PermissionDenied},
		{name: "pay required", err: assembly.ErrPayRequired, code: codes.PermissionDenied},
		{name: "storage full", err: assembly.ErrStorageFull, code: codes.ResourceExhausted},
		{name: "unrecoverable", err: assembly.ErrUnrecoverable, code: codes.DataLoss},
		{name: "bad document", err: exchange.ErrInvalidDocument, code: codes.InvalidArgument},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
