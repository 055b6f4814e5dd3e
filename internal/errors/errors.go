// Package errors provides unified error handling for the pipeline.
// Codes map onto gRPC status codes so inference backends and the HTTP surface share one taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Code identifies a class of failure.
type Code string

const (
	Unknown            Code = "UNKNOWN"
	Internal           Code = "INTERNAL"
	InvalidArgument    Code = "INVALID_ARGUMENT"
	NotFound           Code = "NOT_FOUND"
	Unavailable        Code = "UNAVAILABLE"
	Timeout            Code = "TIMEOUT"
	Cancelled          Code = "CANCELLED"
	Unauthenticated    Code = "UNAUTHENTICATED"
	AudioInvalidFormat Code = "AUDIO_INVALID_FORMAT"
	AudioEmptyInput    Code = "AUDIO_EMPTY_INPUT"
	RateLimited        Code = "RATE_LIMITED"
	ResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CheckpointCorrupt  Code = "CHECKPOINT_CORRUPT"
	InvariantViolation Code = "INVARIANT_VIOLATION"
	StageFailed        Code = "STAGE_FAILED"
	SessionBusy        Code = "SESSION_BUSY"
	ConfigInvalid      Code = "CONFIG_INVALID"
)

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	Unknown:            codes.Unknown,
	Internal:           codes.Internal,
	InvalidArgument:    codes.InvalidArgument,
	NotFound:           codes.NotFound,
	Unavailable:        codes.Unavailable,
	Timeout:            codes.DeadlineExceeded,
	Cancelled:          codes.Canceled,
	Unauthenticated:    codes.Unauthenticated,
	AudioInvalidFormat: codes.InvalidArgument,
	AudioEmptyInput:    codes.InvalidArgument,
	RateLimited:        codes.ResourceExhausted,
	ResourceExhausted:  codes.ResourceExhausted,
	CheckpointCorrupt:  codes.DataLoss,
	InvariantViolation: codes.Internal,
	StageFailed:        codes.Aborted,
	SessionBusy:        codes.FailedPrecondition,
	ConfigInvalid:      codes.InvalidArgument,
}

// httpStatusMap maps error codes to HTTP status codes for the API surface.
var httpStatusMap = map[Code]int{
	InvalidArgument:    http.StatusBadRequest,
	NotFound:           http.StatusNotFound,
	Unavailable:        http.StatusServiceUnavailable,
	Timeout:            http.StatusGatewayTimeout,
	Cancelled:          499,
	Unauthenticated:    http.StatusUnauthorized,
	AudioInvalidFormat: http.StatusUnprocessableEntity,
	AudioEmptyInput:    http.StatusUnprocessableEntity,
	RateLimited:        http.StatusTooManyRequests,
	SessionBusy:        http.StatusConflict,
	ConfigInvalid:      http.StatusBadRequest,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// detail encodes the code and metadata as a structpb.Struct.
func (e *AppError) detail() *structpb.Struct {
	fields := map[string]any{"code": string(e.Code), "message": e.Message}
	if len(e.Metadata) > 0 {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		fields["metadata"] = md
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return &structpb.Struct{}
	}
	return s
}

// GRPCStatus returns a gRPC status with the error detail attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	detail, err := anypb.New(e.detail())
	if err != nil {
		return st
	}
	if withDetail, err := st.WithDetails(detail); err == nil {
		return withDetail
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		s, ok := detail.(*structpb.Struct)
		if !ok {
			continue
		}
		m := s.AsMap()
		code, _ := m["code"].(string)
		if code == "" {
			continue
		}
		msg, _ := m["message"].(string)
		appErr := &AppError{Code: Code(code), Message: msg, Cause: err}
		if md, ok := m["metadata"].(map[string]any); ok {
			for k, v := range md {
				appErr.WithMetadata(k, fmt.Sprint(v))
			}
		}
		return appErr
	}

	return &AppError{Code: grpcToErrorCode(st.Code()), Message: st.Message(), Cause: err}
}

// grpcToErrorCode maps gRPC codes back to our error codes (best effort).
func grpcToErrorCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.Unauthenticated, codes.PermissionDenied:
		return Unauthenticated
	case codes.ResourceExhausted:
		return ResourceExhausted
	case codes.DataLoss:
		return CheckpointCorrupt
	default:
		return Unknown
	}
}

// CodeOf returns the code of the first AppError in the chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error has a specific error code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// HTTPStatus returns the HTTP status for err; errors without a mapped code are 500.
func HTTPStatus(err error) int {
	if c, ok := httpStatusMap[CodeOf(err)]; ok {
		return c
	}
	return http.StatusInternalServerError
}
