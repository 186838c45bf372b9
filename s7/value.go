package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is the raw result of reading an address, with conversion helpers.
type Value struct {
	Type  DataType
	Bytes []byte // Raw bytes, big-endian as S7 stores them
	Bit   int    // Bit number for BOOL (-1 for a whole byte)
	Count int    // Number of elements (1 for scalar)
}

// NewValue wraps bytes read for addr.
func NewValue(addr *Address, b []byte) *Value {
	return &Value{Type: addr.Type, Bytes: b, Bit: addr.Bit, Count: addr.Count}
}

func (v *Value) need(n int) error {
	if len(v.Bytes) < n {
		return fmt.Errorf("insufficient data for %s: have %d bytes, need %d", v.Type, len(v.Bytes), n)
	}
	return nil
}

// Bool returns the value as a boolean. For a bit address the addressed bit
// is extracted, otherwise any non-zero byte is true.
func (v *Value) Bool() (bool, error) {
	if err := v.need(1); err != nil {
		return false, err
	}
	if v.Bit >= 0 && v.Bit <= 7 {
		return v.Bytes[0]&(1<<v.Bit) != 0, nil
	}
	return v.Bytes[0] != 0, nil
}

// Int returns the value as a signed 64-bit integer.
// Works for SINT, INT, DINT and LINT.
func (v *Value) Int() (int64, error) {
	if err := v.need(v.Type.Size()); err != nil {
		return 0, err
	}
	switch v.Type {
	case TypeSInt:
		return int64(int8(v.Bytes[0])), nil
	case TypeInt:
		return int64(int16(binary.BigEndian.Uint16(v.Bytes))), nil
	case TypeDInt:
		return int64(int32(binary.BigEndian.Uint32(v.Bytes))), nil
	case TypeLInt:
		return int64(binary.BigEndian.Uint64(v.Bytes)), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected signed integer, got %s", v.Type)
	}
}

// Uint returns the value as an unsigned 64-bit integer.
// Works for BYTE, CHAR, WORD, DWORD and LWORD.
func (v *Value) Uint() (uint64, error) {
	if err := v.need(v.Type.Size()); err != nil {
		return 0, err
	}
	switch v.Type {
	case TypeByte, TypeChar:
		return uint64(v.Bytes[0]), nil
	case TypeWord:
		return uint64(binary.BigEndian.Uint16(v.Bytes)), nil
	case TypeDWord:
		return uint64(binary.BigEndian.Uint32(v.Bytes)), nil
	case TypeLWord:
		return binary.BigEndian.Uint64(v.Bytes), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected unsigned integer, got %s", v.Type)
	}
}

// Float returns the value as a 64-bit float. Works for REAL and LREAL.
func (v *Value) Float() (float64, error) {
	if err := v.need(v.Type.Size()); err != nil {
		return 0, err
	}
	switch v.Type {
	case TypeReal:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(v.Bytes))), nil
	case TypeLReal:
		return math.Float64frombits(binary.BigEndian.Uint64(v.Bytes)), nil
	default:
		return 0, fmt.Errorf("type mismatch: expected float, got %s", v.Type)
	}
}

// Text returns the value of an S7 STRING.
func (v *Value) Text() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("type mismatch: expected STRING, got %s", v.Type)
	}
	return DecodeString(v.Bytes)
}

// GoValue returns the value converted to a Go type:
//   - BOOL -> bool
//   - SINT, INT, DINT, LINT -> int64
//   - BYTE, CHAR, WORD, DWORD, LWORD -> uint64
//   - REAL, LREAL -> float64
//   - STRING -> string
//   - RAW -> []int (byte array for JSON compatibility)
//
// Arrays (Count > 1) return a slice of the element type.
func (v *Value) GoValue() (interface{}, error) {
	if v.Type == TypeString {
		return v.Text()
	}
	if v.Type == TypeRaw || v.Type.Size() == 0 {
		return bytesToInts(v.Bytes), nil
	}
	if v.Count <= 1 {
		return v.scalar()
	}
	size := v.Type.Size()
	if err := v.need(size * v.Count); err != nil {
		return nil, err
	}
	out := make([]interface{}, v.Count)
	for i := range out {
		elem := &Value{Type: v.Type, Bytes: v.Bytes[i*size : (i+1)*size], Bit: -1, Count: 1}
		x, err := elem.scalar()
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func (v *Value) scalar() (interface{}, error) {
	switch v.Type {
	case TypeBool:
		return v.Bool()
	case TypeSInt, TypeInt, TypeDInt, TypeLInt:
		return v.Int()
	case TypeByte, TypeChar, TypeWord, TypeDWord, TypeLWord:
		return v.Uint()
	case TypeReal, TypeLReal:
		return v.Float()
	default:
		return bytesToInts(v.Bytes), nil
	}
}

// bytesToInts converts raw bytes to []int for JSON-friendly output.
func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, x := range b {
		out[i] = int(x)
	}
	return out
}

// DecodeString decodes an S7 STRING: max length byte, actual length byte,
// then the characters. Both lengths are unsigned.
func DecodeString(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("insufficient data for STRING: have %d bytes, need 2", len(b))
	}
	n := int(b[1])
	if n > len(b)-2 {
		n = len(b) - 2
	}
	return string(b[2 : 2+n]), nil
}

// EncodeString encodes s as an S7 STRING with the given maximum length. The
// result is always maxLen+2 bytes, zero padded.
func EncodeString(s string, maxLen int) ([]byte, error) {
	if maxLen < 0 || maxLen > 254 {
		return nil, argError("STRING length must be 0-254, got %d", maxLen)
	}
	if len(s) > maxLen {
		return nil, argError("string of %d bytes exceeds maximum length %d", len(s), maxLen)
	}
	b := make([]byte, StringSize(maxLen))
	b[0] = byte(maxLen)
	b[1] = byte(len(s))
	copy(b[2:], s)
	return b, nil
}

// Encode converts a Go value to the big-endian representation of t. Strings
// are parsed, so command-line and JSON input can be passed unchanged. size is
// the STRING maximum length or the RAW byte count and is ignored otherwise.
func Encode(t DataType, v interface{}, size int) ([]byte, error) {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return EncodeString(s, size)
	case TypeRaw:
		return encodeRaw(v)
	case TypeBool:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeReal:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case TypeLReal:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(f)), nil
	}

	n, err := toInt(v)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeByte, TypeChar:
		if n < 0 || n > math.MaxUint8 {
			return nil, rangeError(t, n)
		}
		return []byte{byte(n)}, nil
	case TypeSInt:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, rangeError(t, n)
		}
		return []byte{byte(int8(n))}, nil
	case TypeWord:
		if n < 0 || n > math.MaxUint16 {
			return nil, rangeError(t, n)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(n)), nil
	case TypeInt:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, rangeError(t, n)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(n))), nil
	case TypeDWord:
		if n < 0 || n > math.MaxUint32 {
			return nil, rangeError(t, n)
		}
		return binary.BigEndian.AppendUint32(nil, uint32(n)), nil
	case TypeDInt:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, rangeError(t, n)
		}
		return binary.BigEndian.AppendUint32(nil, uint32(int32(n))), nil
	case TypeLInt, TypeLWord:
		return binary.BigEndian.AppendUint64(nil, uint64(n)), nil
	default:
		return nil, argError("cannot encode type %s", t)
	}
}

func rangeError(t DataType, n int64) error {
	return argError("value %d out of range for %s", n, t)
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, argError("invalid BOOL %q", x)
		}
		return b, nil
	default:
		n, err := toInt(v)
		if err != nil {
			return false, err
		}
		return n != 0, nil
	}
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, argError("value %v is not an integer", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, argError("invalid integer %q", x)
		}
		return n, nil
	default:
		return 0, argError("cannot convert %T to integer", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, argError("invalid float %q", x)
		}
		return f, nil
	default:
		n, err := toInt(v)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	}
}

// encodeRaw accepts []byte, []int (JSON arrays decode to []interface{}) or a
// hex string such as "DEADBEEF" or "de ad be ef".
func encodeRaw(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		return ParseHex(x)
	case []int:
		out := make([]byte, len(x))
		for i, n := range x {
			if n < 0 || n > 0xFF {
				return nil, argError("byte %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	case []interface{}:
		out := make([]byte, len(x))
		for i, e := range x {
			n, err := toInt(e)
			if err != nil {
				return nil, err
			}
			if n < 0 || n > 0xFF {
				return nil, argError("byte %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, argError("cannot convert %T to bytes", v)
	}
}

// ParseHex parses a hex string, ignoring spaces, colons and an optional 0x prefix.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if len(s)%2 != 0 {
		return nil, argError("hex string must have an even number of digits")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		n, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, argError("invalid hex byte %q", s[2*i:2*i+2])
		}
		out[i] = byte(n)
	}
	return out, nil
}

// EncodeAddress encodes v for addr. For a bit address the result is the
// single byte holding the bit; callers merge it into the current byte value
// with MergeBit before writing.
func EncodeAddress(addr *Address, v interface{}) ([]byte, error) {
	size := addr.Size
	if addr.Type == TypeString {
		size = addr.Count
	}
	b, err := Encode(addr.Type, v, size)
	if err != nil {
		return nil, err
	}
	if addr.Type == TypeRaw && len(b) != addr.Size {
		return nil, argError("expected %d bytes, got %d", addr.Size, len(b))
	}
	return b, nil
}

// MergeBit sets or clears bit in current.
func MergeBit(current byte, bit int, on bool) byte {
	if on {
		return current | 1<<bit
	}
	return current &^ (1 << bit)
}
