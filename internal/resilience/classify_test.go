package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"service error", &ServiceError{Class: Permanent}, Permanent},
		{"wrapped service error", fmt.Errorf("chunk 3: %w", &ServiceError{Class: RateLimited}), RateLimited},
		{"deadline", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Permanent},
		{"app rate limited", apperrors.New(apperrors.RateLimited, "quota"), RateLimited},
		{"app resource exhausted", apperrors.New(apperrors.ResourceExhausted, "oom"), ResourceExhausted},
		{"app invalid", apperrors.New(apperrors.InvalidArgument, "bad"), Permanent},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), Transient},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "oom"), ResourceExhausted},
		{"grpc rate limited", apperrors.New(apperrors.RateLimited, "quota").GRPCStatus().Err(), RateLimited},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "no"), Permanent},
		{"grpc invalid", status.Error(codes.InvalidArgument, "no"), Permanent},
		{"plain", errors.New("connection reset by peer"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		code int
		want Class
	}{
		{429, RateLimited},
		{500, Transient},
		{503, Transient},
		{507, ResourceExhausted},
		{408, Transient},
		{401, Permanent},
		{400, Permanent},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.code); got != tt.want {
			t.Errorf("ClassifyHTTP(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
