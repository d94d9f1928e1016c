package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitchworks/crochet3d/internal/assembly"
	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/recovery"
)

// ErrInvalidArgument is returned for malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

// ToStatusError maps engine errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, assembly.ErrNotFound),
		errors.Is(err, recovery.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, assembly.ErrInvalidType),
		errors.Is(err, assembly.ErrSelfConnect),
		errors.Is(err, assembly.ErrIncompatible),
		errors.Is(err, assembly.ErrSerialization),
		errors.Is(err, exchange.ErrInvalidDocument),
		errors.Is(err, exchange.ErrUnknownFormat),
		errors.Is(err, exchange.ErrUnsupportedImport),
		errors.Is(err, config.ErrInvalid):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, assembly.ErrLocked),
		errors.Is(err, assembly.ErrOccupied),
		errors.Is(err, assembly.ErrNothingToUndo),
		errors.Is(err, assembly.ErrNothingToRedo),
		errors.Is(err, assembly.ErrNoPersistence),
		errors.Is(err, exchange.ErrVersionMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, assembly.ErrTierLimit),
		errors.Is(err, assembly.ErrPayRequired):
		return status.Error(codes.PermissionDenied, err.Error())

	case errors.Is(err, assembly.ErrStorageFull):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, assembly.ErrUnrecoverable):
		return status.Error(codes.DataLoss, err.Error())

	case errors.Is(err, exchange.ErrDuplicateFormat):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
