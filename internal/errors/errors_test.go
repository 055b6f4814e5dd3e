package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMessage(t *testing.T) {
	err := Wrap(fmt.Errorf("disk full"), Internal, "write blob").WithMetadata("stage", "merge")
	want := "[INTERNAL] write blob map[stage:merge] caused by: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(AudioEmptyInput, "no samples")
	outer := Wrap(fmt.Errorf("chunking: %w", inner), StageFailed, "stage failed")

	if !IsCode(outer, StageFailed) {
		t.Error("IsCode(outer, StageFailed) = false")
	}
	if !IsCode(outer, AudioEmptyInput) {
		t.Error("IsCode(outer, AudioEmptyInput) = false")
	}
	if IsCode(outer, NotFound) {
		t.Error("IsCode(outer, NotFound) = true")
	}
	if IsCode(errors.New("plain"), Unknown) {
		t.Error("IsCode(plain, Unknown) = true")
	}
	if got := CodeOf(fmt.Errorf("ctx: %w", inner)); got != AudioEmptyInput {
		t.Errorf("CodeOf = %s, want %s", got, AudioEmptyInput)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	orig := New(RateLimited, "quota").WithMetadata("service", "openai")
	st := orig.GRPCStatus()
	if st.Code() != codes.ResourceExhausted {
		t.Errorf("GRPCStatus code = %s, want ResourceExhausted", st.Code())
	}

	got := FromGRPCError(st.Err())
	if got.Code != RateLimited || got.Message != "quota" || got.Metadata["service"] != "openai" {
		t.Errorf("FromGRPCError = %+v", got)
	}
}

func TestFromGRPCErrorWithoutDetail(t *testing.T) {
	tests := []struct {
		code codes.Code
		want Code
	}{
		{codes.Unavailable, Unavailable},
		{codes.DeadlineExceeded, Timeout},
		{codes.PermissionDenied, Unauthenticated},
		{codes.DataLoss, CheckpointCorrupt},
		{codes.Aborted, Unknown},
	}
	for _, tt := range tests {
		got := FromGRPCError(status.Error(tt.code, "boom"))
		if got.Code != tt.want {
			t.Errorf("FromGRPCError(%s).Code = %s, want %s", tt.code, got.Code, tt.want)
		}
	}
	if got := FromGRPCError(errors.New("not grpc")); got.Code != Unknown {
		t.Errorf("FromGRPCError(plain).Code = %s, want UNKNOWN", got.Code)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(SessionBusy, "busy"), http.StatusConflict},
		{fmt.Errorf("wrapped: %w", New(NotFound, "gone")), http.StatusNotFound},
		{New(InvalidArgument, "bad"), http.StatusBadRequest},
		{New(CheckpointCorrupt, "bad blob"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
