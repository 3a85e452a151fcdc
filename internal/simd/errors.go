package simd

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// classify maps executor errors to an HTTP status and a gRPC code.
func classify(err error) (int, codes.Code) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, ErrRunExists):
		return http.StatusConflict, codes.AlreadyExists
	case errors.Is(err, ErrRunIDMissing), errors.Is(err, models.ErrConfiguration):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, ErrRunTerminal), errors.Is(err, ErrRunNotRunning):
		return http.StatusConflict, codes.FailedPrecondition
	case errors.Is(err, models.ErrStateCorruption):
		return http.StatusUnprocessableEntity, codes.DataLoss
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, codes.Canceled
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}
