package s7

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps one of these so
// callers can branch with errors.Is.
var (
	// Argument errors: malformed caller input, detected before any I/O.
	ErrInvalidArgument = errors.New("s7: invalid argument")
	ErrInvalidConfig   = errors.New("s7: invalid configuration")

	// State errors: use of a closed or never-established connection.
	ErrClosed       = errors.New("s7: connection closed")
	ErrNotConnected = errors.New("s7: not connected")

	// Framing/transport errors. The transport is unusable afterwards.
	ErrFraming      = errors.New("s7: framing error")
	ErrTransport    = errors.New("s7: transport error")
	ErrMalformedPDU = errors.New("s7: malformed PDU")

	// Protocol result errors reported by the PLC. *ResultError and *S7Error
	// both match ErrResult; a read that returned zero bytes also matches ErrNoData.
	ErrResult = errors.New("s7: PLC rejected request")
	ErrNoData = errors.New("s7: CPU returned no data")

	// ErrInterrupted wraps context.Canceled or context.DeadlineExceeded.
	ErrInterrupted = errors.New("s7: interrupted")
)

// S7 error classes carried in the ack/ack-data header.
const (
	errClassNoError     = 0x00
	errClassAppRelation = 0x81
	errClassObjDef      = 0x82
	errClassResource    = 0x83
	errClassService     = 0x84
	errClassNoResource  = 0x85 // often PDU size exceeded
	errClassAccess      = 0x87
)

// Result codes. Positive values below 0x100 are data item return codes as
// sent by the PLC; negative values are raised by this client while
// evaluating a response.
const (
	ResultOK                      = 0x00
	ResultNoPeripheralAtAddress   = 0x01
	ResultItemNotAvailable200     = 0x03
	ResultAddressOutOfRange       = 0x05
	ResultMultipleBitsUnsupported = 0x06
	ResultWriteDataSizeMismatch   = 0x07
	ResultItemNotAvailable        = 0x0A

	ResultCannotEvaluatePDU   = -123
	ResultCPUReturnedNoData   = -124
	ResultUnknownError        = -125
	ResultEmptyResult         = -126
	ResultEmptyResultSet      = -127
	ResultUnexpectedFunc      = -128
	ResultUnknownDataUnitSize = -129
	ResultShortPacket         = -1024
	ResultWriteRejected       = -1026
)

// ResultError is a negative result for a single read or write item.
type ResultError struct {
	Op   string // "read", "write" or "negotiate"
	Code int
}

// Error implements the error interface.
func (e *ResultError) Error() string {
	return fmt.Sprintf("s7: %s: %s (result %d)", e.Op, ResultMessage(e.Code), e.Code)
}

// Is reports ErrResult for every result error and ErrNoData for the
// zero-length read case.
func (e *ResultError) Is(target error) bool {
	switch target {
	case ErrResult:
		return true
	case ErrNoData:
		return e.Code == ResultCPUReturnedNoData
	}
	return false
}

// ResultMessage returns a human-readable message for a result code.
func ResultMessage(code int) string {
	switch code {
	case ResultOK:
		return "ok"
	case ResultNoPeripheralAtAddress:
		return "no peripheral at given address"
	case ResultItemNotAvailable200:
		return "the desired item is not available in the PLC (200 family)"
	case ResultAddressOutOfRange:
		return "the desired address is beyond limit for this PLC"
	case ResultMultipleBitsUnsupported:
		return "the CPU does not support reading a bit block of length<>1"
	case ResultWriteDataSizeMismatch:
		return "write data size error"
	case ResultItemNotAvailable:
		return "the desired item is not available in the PLC"
	case ResultCannotEvaluatePDU:
		return "cannot evaluate the received PDU"
	case ResultCPUReturnedNoData:
		return "the PLC returned a packet with no result data"
	case ResultUnknownError:
		return "the PLC returned an error code not understood by this library"
	case ResultEmptyResult:
		return "this result contains no data"
	case ResultEmptyResultSet:
		return "cannot work with an undefined result set"
	case ResultUnexpectedFunc:
		return "unexpected function code in answer"
	case ResultUnknownDataUnitSize:
		return "PLC responds with an unknown data type"
	case ResultShortPacket:
		return "short packet from PLC"
	case ResultWriteRejected:
		return "the PLC did not acknowledge all written items"
	case 0x8000:
		return "function already occupied"
	case 0x8001:
		return "not allowed in current operating status"
	case 0x8101:
		return "hardware fault"
	case 0x8103:
		return "object access not allowed"
	case 0x8104:
		return "context is not supported"
	case 0x8105:
		return "invalid address"
	case 0x8106:
		return "data type not supported"
	case 0x8107:
		return "data type not consistent"
	case 0x810A:
		return "object does not exist"
	case 0x8500:
		return "incorrect PDU size"
	case 0x8702:
		return "address invalid"
	default:
		return fmt.Sprintf("no message defined for code 0x%X", code)
	}
}

// S7Error is an error class/code pair from an ack or ack-data header.
type S7Error struct {
	Class byte
	Code  byte
}

// Error implements the error interface.
func (e *S7Error) Error() string {
	return s7ErrorMessage(e.Class, e.Code)
}

// Is reports ErrResult so header errors classify with item errors.
func (e *S7Error) Is(target error) bool {
	return target == ErrResult
}

// s7ErrorMessage returns a human-readable message for an S7 header error.
func s7ErrorMessage(class, code byte) string {
	switch class {
	case errClassNoError:
		return "s7: no error"
	case errClassAppRelation:
		return fmt.Sprintf("s7: application relationship error (code %d)", code)
	case errClassObjDef:
		return fmt.Sprintf("s7: object definition error (code %d)", code)
	case errClassResource:
		return fmt.Sprintf("s7: resource error (code %d)", code)
	case errClassService:
		return fmt.Sprintf("s7: service error (code %d)", code)
	case errClassNoResource:
		return fmt.Sprintf("s7: no resource available - request may exceed PDU size (code %d)", code)
	case errClassAccess:
		return fmt.Sprintf("s7: access error (code %d)", code)
	default:
		return fmt.Sprintf("s7: error class 0x%02X code %d", class, code)
	}
}

func argError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func framingError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFraming, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPDU, fmt.Sprintf(format, args...))
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
