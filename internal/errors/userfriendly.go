package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/pcap"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapNetworkError wraps live-connection errors with user-friendly context
func WrapNetworkError(err error, host string, port int) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to communicate with device at %s:%d", host, port),
		Reason:  extractNetworkReason(err),
		Hint:    networkHint(err),
		Try:     fmt.Sprintf("mbmap read --host %s --port %d --addr 0 --count 1", host, port),
		Err:     err,
	}
}

// WrapCaptureError wraps capture file errors with user-friendly context
func WrapCaptureError(err error, path string) error {
	if err == nil {
		return nil
	}

	ufe := UserFriendlyError{
		Message: fmt.Sprintf("Failed to read capture %s", path),
		Reason:  extractCaptureReason(err),
		Hint:    "Only legacy pcap and pcapng files are supported",
		Err:     err,
	}
	var cerr *pcap.ContainerError
	if stderrors.As(err, &cerr) {
		ufe.Hint = fmt.Sprintf("The file is damaged or truncated near byte %d; frames before it were analyzed", cerr.Offset)
		ufe.Try = fmt.Sprintf("Inspect it with: capinfos %s", path)
	}
	return ufe
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Print a complete example with: mbmap config --default",
		Try:     fmt.Sprintf("Validate your config: mbmap config --config %s", configPath),
		Err:     err,
	}
}

func extractNetworkReason(err error) string {
	var exc *modbus.ExceptionError
	if stderrors.As(err, &exc) {
		return fmt.Sprintf("Device answered with Modbus exception %s", exc.Code)
	}
	if stderrors.Is(err, modbus.ErrTimeout) {
		return "Response timeout - device did not answer within the deadline"
	}
	if stderrors.Is(err, modbus.ErrQuantityRange) {
		return "Register count outside the protocol limit of 1-125"
	}

	errStr := err.Error()

	// Common network error patterns
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timeout - device may be offline or unreachable"
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - device may not be listening on this port"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network routing issue or device unreachable"
	}
	if strings.Contains(errStr, "connection reset") {
		return "Connection reset - device closed the connection unexpectedly"
	}

	return "Network communication failed"
}

func networkHint(err error) string {
	var exc *modbus.ExceptionError
	if stderrors.As(err, &exc) {
		switch exc.Code {
		case modbus.ExceptionIllegalDataAddress:
			return "The register range is not mapped on this unit; try a smaller count or another address"
		case modbus.ExceptionIllegalFunction:
			return "The unit does not support this function; try --input instead of holding registers or the reverse"
		case modbus.ExceptionGatewayPathUnavail, modbus.ExceptionGatewayTargetFail:
			return "The gateway could not reach the unit; check the unit id"
		}
	}
	return "Gateways usually listen on port 505 and the weather station answers as unit 247"
}

func extractCaptureReason(err error) string {
	var cerr *pcap.ContainerError
	if stderrors.As(err, &cerr) {
		return cerr.Reason
	}

	errStr := err.Error()
	if strings.Contains(errStr, "no such file") {
		return "File not found"
	}
	if strings.Contains(errStr, "permission denied") {
		return "Permission denied"
	}
	return "Capture could not be read"
}
