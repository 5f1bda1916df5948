package grpcsvc

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const genericFailureMessage = "operation failed, please retry"

// toStatus переводит ошибку workflow в gRPC-статус. Отказы валидации передаются
// клиенту как есть; текст ошибок хранилища только логируется.
func toStatus(logger *log.Entry, method string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	if rej, ok := domain.AsRejection(err); ok {
		return status.Error(rejectionCode(rej.Reason), rej.Error())
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, domain.ErrOrderNotFound.Error())
	case errors.Is(err, domain.ErrInvoiceNotFound):
		return status.Error(codes.NotFound, domain.ErrInvoiceNotFound.Error())
	case errors.Is(err, domain.ErrEditRequestNotFound):
		return status.Error(codes.NotFound, domain.ErrEditRequestNotFound.Error())
	case errors.Is(err, domain.ErrNotificationNotFound):
		return status.Error(codes.NotFound, domain.ErrNotificationNotFound.Error())
	case errors.Is(err, domain.ErrProfileNotFound):
		return status.Error(codes.NotFound, domain.ErrProfileNotFound.Error())
	case domain.IsVersionConflict(err), errors.Is(err, domain.ErrEditRequestConflict):
		return status.Error(codes.Aborted, "record was changed concurrently, please retry")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request deadline exceeded")
	}

	logger.WithError(err).WithField("method", method).Error("workflow operation failed")
	return status.Error(codes.Internal, genericFailureMessage)
}

func rejectionCode(reason domain.RejectionReason) codes.Code {
	switch reason {
	case domain.ReasonForbidden:
		return codes.PermissionDenied
	case domain.ReasonInvalidState, domain.ReasonInvalidTransition,
		domain.ReasonMissingDesigner, domain.ReasonMissingSalesRep:
		return codes.FailedPrecondition
	default:
		return codes.InvalidArgument
	}
}
