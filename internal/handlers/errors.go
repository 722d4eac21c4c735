package handlers

import (
	"errors"
	"net/http"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

// respondError writes err with the status of its kind. result is the
// partial outcome of a multi-step operation, if any.
func respondError(c *drift.Context, log *logrus.Entry, err error, result any) {
	kind := apperr.Kind(err)

	var partial *apperr.PartialFailure
	if errors.As(err, &partial) {
		log.WithError(err).WithField("op", partial.Op).Warn("operation stopped part way")
		_ = c.JSON(http.StatusInternalServerError, dto.PartialFailureResponse{
			Error:     err.Error(),
			Kind:      kind,
			Op:        partial.Op,
			Step:      partial.Step,
			StepIndex: partial.StepIndex,
			Steps:     partial.Steps,
			Completed: partial.Completed,
			Result:    result,
		})
		return
	}

	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		_ = c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: verr.Error(), Kind: kind, Field: verr.Field})
	case errors.Is(err, gateway.ErrNotSignedIn):
		c.Unauthorized("not authenticated")
	case errors.Is(err, apperr.ErrNotFound):
		_ = c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), Kind: kind})
	case errors.Is(err, apperr.ErrDuplicate):
		_ = c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error(), Kind: kind})
	case errors.Is(err, apperr.ErrPermission):
		_ = c.JSON(http.StatusForbidden, dto.ErrorResponse{Error: err.Error(), Kind: kind})
	case errors.Is(err, apperr.ErrTransient):
		log.WithError(err).Warn("store unavailable")
		_ = c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "service temporarily unavailable", Kind: kind})
	default:
		log.WithError(err).Error("request failed")
		c.InternalServerError("internal error")
	}
}
