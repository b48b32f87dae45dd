package grpcserver

import (
	"errors"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps error kinds to gRPC codes. Decision messages are safe to
// return; outages and unknown errors are reported generically.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		locked   *errs.AccountLockedError
		required *errs.MFARequiredError
		missing  *errs.InsufficientPermissionError
	)
	switch {
	case errors.As(err, &locked):
		return status.Errorf(codes.PermissionDenied, "account locked until %s", locked.Until.UTC().Format(time.RFC3339))
	case errors.As(err, &required):
		return status.Errorf(codes.FailedPrecondition, "mfa required: %s", strings.Join(required.Methods, ","))
	case errors.As(err, &missing):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrInvalidCredential),
		errors.Is(err, errs.ErrMFAInvalid),
		errors.Is(err, errs.ErrTokenInvalid),
		errors.Is(err, errs.ErrTokenExpired),
		errors.Is(err, errs.ErrTokenRevoked),
		errors.Is(err, errs.ErrSessionInvalid),
		errors.Is(err, errs.ErrSessionTimeout):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, errs.ErrAccountInactive),
		errors.Is(err, errs.ErrResourceAccessDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "store unavailable")
	}
	return status.Error(codes.Internal, "internal")
}
