package source

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		notFound  bool
		auth      bool
		transient bool
	}{
		{http.StatusNotFound, true, false, false},
		{http.StatusUnauthorized, false, true, false},
		{http.StatusForbidden, false, true, false},
		{http.StatusTooManyRequests, false, false, true},
		{http.StatusInternalServerError, false, false, true},
		{http.StatusServiceUnavailable, false, false, true},
		{http.StatusBadRequest, false, false, false},
	}

	for _, tc := range cases {
		err := errors.Wrap(&APIError{StatusCode: tc.status, URL: "http://ci/api/json"}, "list jobs")
		if got := IsNotFound(err); got != tc.notFound {
			t.Fatalf("IsNotFound(%d) = %v, want %v", tc.status, got, tc.notFound)
		}
		if got := IsAuthError(err); got != tc.auth {
			t.Fatalf("IsAuthError(%d) = %v, want %v", tc.status, got, tc.auth)
		}
		if got := IsTransient(err); got != tc.transient {
			t.Fatalf("IsTransient(%d) = %v, want %v", tc.status, got, tc.transient)
		}
	}
}

func TestTransientCoversNetworkErrors(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if !IsTransient(errors.Wrap(opErr, "list builds")) {
		t.Fatal("dial failure should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatal("cancellation is not transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
}

func TestTransientCoversTimeouts(t *testing.T) {
	var err net.Error = &timeoutErr{}
	if !IsTransient(errors.Wrap(err, "fetch build")) {
		t.Fatal("timeout should be transient")
	}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }
