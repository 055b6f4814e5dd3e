package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
)

// Class buckets a service failure by how it should be retried.
type Class int

const (
	Transient         Class = iota // network, 5xx, timeouts: backoff and retry
	RateLimited                    // 429: penalize the bucket, then backoff and retry
	ResourceExhausted              // inference host out of memory: low-resource, then fallback
	Permanent                      // auth, malformed request: fail immediately
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case ResourceExhausted:
		return "resource_exhausted"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ServiceError is a classified failure of an external inference service.
type ServiceError struct {
	Service    string
	Class      Class
	StatusCode int // HTTP status when the backend speaks HTTP, else 0
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Service, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Class, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ClassifyHTTP maps an HTTP status code to a Class.
func ClassifyHTTP(code int) Class {
	switch {
	case code == 429:
		return RateLimited
	case code == 507:
		return ResourceExhausted
	case code == 408 || code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}

// Classify determines the Class of err.
// Unknown errors are treated as transient so a flaky network never fails a stage outright.
func Classify(err error) Class {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return classifyCode(appErr.Code)
	}
	if st, ok := status.FromError(err); ok {
		return classifyGRPC(err, st.Code())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Transient
}

func classifyCode(c apperrors.Code) Class {
	switch c {
	case apperrors.RateLimited:
		return RateLimited
	case apperrors.ResourceExhausted:
		return ResourceExhausted
	case apperrors.Unavailable, apperrors.Timeout, apperrors.Internal, apperrors.Unknown:
		return Transient
	default:
		return Permanent
	}
}

func classifyGRPC(err error, c codes.Code) Class {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Unknown:
		return Transient
	case codes.ResourceExhausted:
		// Backends tag quota rejections with a RATE_LIMITED detail; bare ResourceExhausted is memory pressure.
		if apperrors.FromGRPCError(err).Code == apperrors.RateLimited {
			return RateLimited
		}
		return ResourceExhausted
	default:
		return Permanent
	}
}
