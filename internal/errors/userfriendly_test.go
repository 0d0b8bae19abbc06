package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/pcap"
)

func TestUserFriendlyError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      UserFriendlyError
		contains []string
	}{
		{
			name:     "message only",
			err:      UserFriendlyError{Message: "something broke"},
			contains: []string{"something broke"},
		},
		{
			name: "all fields",
			err: UserFriendlyError{
				Message: "connection failed",
				Reason:  "timeout",
				Hint:    "check network",
				Try:     "ping host",
				Err:     fmt.Errorf("dial tcp: timeout"),
			},
			contains: []string{"connection failed", "Reason: timeout", "Hint: check network", "Try: ping host", "Details: dial tcp: timeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("Error() = %q, want to contain %q", msg, s)
				}
			}
		})
	}
}

func TestUserFriendlyError_ErrorOmitsEmptyFields(t *testing.T) {
	err := UserFriendlyError{Message: "msg"}
	msg := err.Error()
	if strings.Contains(msg, "Reason:") || strings.Contains(msg, "Hint:") || strings.Contains(msg, "Try:") || strings.Contains(msg, "Details:") {
		t.Errorf("Error() = %q, should not contain empty fields", msg)
	}
}

func TestUserFriendlyError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	err := UserFriendlyError{Message: "wrapper", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap should return the inner error")
	}

	var nilErr UserFriendlyError
	if nilErr.Unwrap() != nil {
		t.Error("Unwrap on nil Err should return nil")
	}
}

func TestWrapNetworkError(t *testing.T) {
	if WrapNetworkError(nil, "10.0.0.1", 505) != nil {
		t.Error("nil error should return nil")
	}

	tests := []struct {
		name       string
		err        error
		wantReason string
		wantHint   string
	}{
		{"modbus timeout", fmt.Errorf("read 8061: %w", modbus.ErrTimeout), "Response timeout", "port 505"},
		{"dial timeout", fmt.Errorf("dial tcp: i/o timeout"), "Connection timeout", ""},
		{"connection refused", fmt.Errorf("connection refused"), "refused", ""},
		{"no route to host", fmt.Errorf("no route to host"), "route", ""},
		{"connection reset", fmt.Errorf("connection reset by peer"), "reset", ""},
		{"quantity", modbus.ErrQuantityRange, "1-125", ""},
		{
			"illegal address",
			&modbus.ExceptionError{Function: modbus.FcReadHoldingRegisters, Code: modbus.ExceptionIllegalDataAddress},
			"exception", "not mapped",
		},
		{
			"gateway target",
			&modbus.ExceptionError{Function: modbus.FcReadHoldingRegisters, Code: modbus.ExceptionGatewayTargetFail},
			"exception", "unit id",
		},
		{"generic", fmt.Errorf("something else"), "Network communication failed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapNetworkError(tt.err, "10.0.0.1", 505)
			var ufe UserFriendlyError
			if !errors.As(err, &ufe) {
				t.Fatalf("expected UserFriendlyError, got %T", err)
			}
			if !strings.Contains(ufe.Message, "10.0.0.1:505") {
				t.Errorf("message should contain address, got %q", ufe.Message)
			}
			if !strings.Contains(ufe.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want to contain %q", ufe.Reason, tt.wantReason)
			}
			if tt.wantHint != "" && !strings.Contains(ufe.Hint, tt.wantHint) {
				t.Errorf("Hint = %q, want to contain %q", ufe.Hint, tt.wantHint)
			}
			if !errors.Is(err, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}
}

func TestWrapCaptureError(t *testing.T) {
	if WrapCaptureError(nil, "a.pcap") != nil {
		t.Error("nil error should return nil")
	}

	t.Run("container error", func(t *testing.T) {
		cerr := &pcap.ContainerError{Offset: 4096, Reason: "truncated record data: 3 of 60 bytes"}
		err := WrapCaptureError(fmt.Errorf("a.pcap: %w", cerr), "a.pcap")
		ufe := err.(UserFriendlyError)
		if ufe.Reason != cerr.Reason {
			t.Errorf("Reason = %q", ufe.Reason)
		}
		if !strings.Contains(ufe.Hint, "4096") {
			t.Errorf("Hint should carry the offset, got %q", ufe.Hint)
		}
		if ufe.Try == "" {
			t.Error("Try should be set for container errors")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, statErr := os.Stat("/nonexistent/capture.pcap")
		ufe := WrapCaptureError(statErr, "/nonexistent/capture.pcap").(UserFriendlyError)
		if ufe.Reason != "File not found" {
			t.Errorf("Reason = %q", ufe.Reason)
		}
	})
}

func TestWrapConfigError(t *testing.T) {
	if WrapConfigError(nil, "mbmap.yaml") != nil {
		t.Error("nil error should return nil")
	}

	err := WrapConfigError(fmt.Errorf("invalid yaml"), "mbmap.yaml")
	ufe := err.(UserFriendlyError)
	if !strings.Contains(ufe.Message, "mbmap.yaml") {
		t.Errorf("message should contain config path, got %q", ufe.Message)
	}
	if ufe.Reason != "invalid yaml" {
		t.Errorf("reason should be inner error message, got %q", ufe.Reason)
	}
	if !strings.Contains(ufe.Try, "mbmap config") {
		t.Errorf("Try should name the config command, got %q", ufe.Try)
	}
}
