package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

// userFriendlyError provides user-friendly error messages with context and hints
type userFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e userFriendlyError) Error() string {
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

func (e userFriendlyError) Unwrap() error {
	return e.Err
}

// wrapPLCError explains a failed connect, read or write against addr.
func wrapPLCError(err error, op, addr string) error {
	if err == nil {
		return nil
	}
	e := userFriendlyError{
		Message: fmt.Sprintf("%s failed on PLC at %s", op, addr),
		Err:     err,
	}
	var rerr *s7.ResultError
	var serr *s7.S7Error
	switch {
	case errors.Is(err, s7.ErrInvalidArgument):
		e.Reason = "Invalid address or value"
		e.Hint = "Addresses look like DB1.DBW2, DB1.DBX0.3, DB1.0[16], MB0, IW4, QD0, T0 or C5"
	case errors.Is(err, s7.ErrInvalidConfig):
		e.Reason = "Invalid connection settings"
		e.Hint = "Check family, connection type, rack (0-7) and slot (0-31)"
	case errors.As(err, &rerr):
		e.Reason = "The PLC rejected the item: " + s7.ResultMessage(rerr.Code)
		e.Hint = "Check that the data block exists, is large enough and is not optimized (S7-1200/1500: disable optimized block access and allow PUT/GET)"
	case errors.As(err, &serr):
		e.Reason = "The PLC rejected the request"
		e.Hint = "On S7-1200/1500 enable PUT/GET communication in the CPU protection settings"
	case errors.Is(err, s7.ErrFraming), errors.Is(err, s7.ErrMalformedPDU):
		e.Reason = "Received an invalid response"
		e.Hint = "The rack/slot may be wrong, or the device is not an S7 PLC"
		e.Try = fmt.Sprintf("s7connector discover %s/32", addr)
	case errors.Is(err, s7.ErrInterrupted), errors.Is(err, s7.ErrTransport):
		e.Reason = extractNetworkReason(err)
		e.Hint = "The PLC must be reachable on TCP port 102"
		e.Try = fmt.Sprintf("s7connector discover %s/32", addr)
	default:
		e.Reason = extractNetworkReason(err)
	}
	return e
}

// wrapConfigError wraps configuration errors with user-friendly context
func wrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}
	return userFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Durations use Go syntax (500ms, 2s); names may contain letters, digits, '.', '_' and '-'",
		Err:     err,
	}
}

func extractNetworkReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "Connection timeout - device may be offline or unreachable"
	}
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - device may not be listening on this port"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network routing issue or device unreachable"
	}
	if strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "EOF") {
		return "Connection reset - device closed the connection unexpectedly"
	}
	return "Network communication failed"
}
