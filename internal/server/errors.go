package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	identitydomain "github.com/smallbiznis/entitle/internal/identity/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/entitle/internal/reconcile/domain"
	"go.uber.org/zap"
)

type apiError struct {
	status  int
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Message }

func newValidationError(field, message string) *apiError {
	return &apiError{
		status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Field:   field,
		Message: message,
	}
}

// AbortWithError maps domain errors onto HTTP responses. Unknown errors
// are logged and reported as opaque 500s.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.status, gin.H{"error": apiErr})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, accountdomain.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, accountdomain.ErrInvalidEmail),
		errors.Is(err, accountdomain.ErrInvalidMutation),
		errors.Is(err, reconciledomain.ErrInvalidEventType),
		errors.Is(err, reconciledomain.ErrInvalidOrigin),
		errors.Is(err, auditdomain.ErrInvalidEventType),
		errors.Is(err, auditdomain.ErrInvalidOrigin):
		status, code = http.StatusBadRequest, err.Error()
	case errors.Is(err, identitydomain.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	}

	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}
