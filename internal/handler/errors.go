package handler

import (
	"encoding/json"
	"net/http"

	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode is the machine-readable error code in API responses.
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	ErrorCodeConfiguration  ErrorCode = "CONFIGURATION_ERROR"
	ErrorCodeServiceDown    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeUnreachable    ErrorCode = "UNREACHABLE"
	ErrorCodeQuorumNotMet   ErrorCode = "QUORUM_NOT_REACHED"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string      `json:"status"`
	ErrorCode ErrorCode   `json:"error_code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
}

// ErrorHandler turns file store errors into HTTP responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes the response for err. result, when not nil, is echoed
// back so callers can see how far a failed write got.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	statusCode := StatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", statusCode),
			zap.Error(err))
	}

	h.WriteErrorResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: Code(err),
		Message:   err.Error(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Result:    result,
	})
}

// WriteValidationError writes a 400 response for a malformed request.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorResponse{
		Status:    "error",
		ErrorCode: ErrorCodeInvalidRequest,
		Message:   message,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// WriteErrorResponse writes resp as JSON with statusCode.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// StatusCode maps err to an HTTP status through its gRPC code.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	st, ok := status.FromError(errors.ToGRPCError(err))
	if !ok {
		return http.StatusInternalServerError
	}

	switch st.Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the API error code for err.
func Code(err error) ErrorCode {
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidArgument:
		return ErrorCodeInvalidRequest
	case errors.ErrCodeFileNotFound:
		return ErrorCodeFileNotFound
	case errors.ErrCodeConfiguration:
		return ErrorCodeConfiguration
	case errors.ErrCodeUnavailable:
		return ErrorCodeServiceDown
	case errors.ErrCodeUnreachable:
		return ErrorCodeUnreachable
	case errors.ErrCodeQuorumNotMet:
		return ErrorCodeQuorumNotMet
	default:
		return ErrorCodeInternalError
	}
}
