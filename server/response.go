package server

import (
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/gin-gonic/gin"
)

// ErrUndefinedErrorCode marks an error body whose cause carried no AppError code.
const ErrUndefinedErrorCode = -99

// ErrorDetail is an alias for types.ErrorDetail
// @Description Error payload details
type ErrorDetail = types.ErrorDetail

// ErrorResponse is an alias for types.ErrorResponse
// @Description Standardized error response
type ErrorResponse = types.ErrorResponse

// BaseResponse is the untyped envelope referenced by swagger annotations
// @Description Standard API response wrapper
type BaseResponse = types.SuccessResponse[interface{}]

// Success writes data inside the success envelope.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, types.SuccessResponse[interface{}]{
		StatusCode: statusCode,
		IsSuccess:  true,
		Data:       data,
	})
}

// OK sends a 200 OK response
func OK(c *gin.Context, data interface{}) {
	Success(c, http.StatusOK, data)
}

// Error writes the error envelope. Retryable reward errors (in-flight key,
// internal fault after refund, unavailable) also get a Retry-After hint so
// clients back off before resending the same idempotency key.
func Error(c *gin.Context, statusCode int, err error) {
	detail := types.ErrorDetail{
		Timestamp: time.Now().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
	}
	if appErr, ok := errors.As(err); ok {
		detail.ErrorMessage = appErr.Message
		detail.ErrorCode = appErr.Code
		if errors.IsRetryable(appErr) {
			c.Header("Retry-After", "1")
		}
	} else {
		detail.ErrorMessage = err.Error()
		detail.ErrorCode = ErrUndefinedErrorCode
	}

	c.JSON(statusCode, types.ErrorResponse{
		StatusCode: statusCode,
		IsSuccess:  false,
		Error:      detail,
	})
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, err error) {
	Error(c, http.StatusBadRequest, err)
}

// Unauthorized sends a 401 Unauthorized response
func Unauthorized(c *gin.Context, err error) {
	Error(c, http.StatusUnauthorized, err)
}

// HandleAppError picks the status from the AppError code. Anything else is
// reported as a generic 500 so storage or driver text never reaches clients.
func HandleAppError(c *gin.Context, err error) {
	if appErr, ok := errors.As(err); ok {
		Error(c, errors.HTTPStatusFromCode(appErr.Code), appErr)
		return
	}
	Error(c, http.StatusInternalServerError, errors.Wrap(err, errors.ErrInternalServerError, "internal error"))
}
