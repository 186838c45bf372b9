// Package s7 implements a Siemens S7 client over ISO-on-TCP (RFC 1006).
//
// A Conn reads and writes byte ranges of PLC memory areas. Transfers are
// split into exchanges of at most ChunkSize bytes, and each Read or Write
// runs to completion before the next one on the same Conn starts.
package s7

import (
	"fmt"
	"strings"
)

// DataType identifies how a byte range is interpreted by Decode and Encode.
type DataType int

const (
	TypeRaw    DataType = iota // Uninterpreted bytes
	TypeBool                   // 1 bit (stored in 1 byte)
	TypeByte                   // 8 bits unsigned
	TypeChar                   // 8 bits character
	TypeSInt                   // 8 bits signed
	TypeWord                   // 16 bits unsigned
	TypeInt                    // 16 bits signed
	TypeDWord                  // 32 bits unsigned
	TypeDInt                   // 32 bits signed
	TypeReal                   // 32 bits IEEE 754 float
	TypeLWord                  // 64 bits unsigned (S7-1500)
	TypeLInt                   // 64 bits signed (S7-1500)
	TypeLReal                  // 64 bits IEEE 754 double
	TypeString                 // S7 STRING: max length, actual length, characters
)

var typeNames = map[DataType]string{
	TypeRaw:    "RAW",
	TypeBool:   "BOOL",
	TypeByte:   "BYTE",
	TypeChar:   "CHAR",
	TypeSInt:   "SINT",
	TypeWord:   "WORD",
	TypeInt:    "INT",
	TypeDWord:  "DWORD",
	TypeDInt:   "DINT",
	TypeReal:   "REAL",
	TypeLWord:  "LWORD",
	TypeLInt:   "LINT",
	TypeLReal:  "LREAL",
	TypeString: "STRING",
}

// typeAliases maps alternative IEC names to their S7 type.
var typeAliases = map[string]DataType{
	"USINT": TypeByte,
	"UINT":  TypeWord,
	"UDINT": TypeDWord,
	"ULINT": TypeLWord,
	"BYTES": TypeRaw,
}

// String returns the type name.
func (t DataType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// Size returns the byte size of one element, or 0 for variable-length types.
func (t DataType) Size() int {
	switch t {
	case TypeBool, TypeByte, TypeChar, TypeSInt:
		return 1
	case TypeWord, TypeInt:
		return 2
	case TypeDWord, TypeDInt, TypeReal:
		return 4
	case TypeLWord, TypeLInt, TypeLReal:
		return 8
	default:
		return 0
	}
}

// ParseDataType returns the type for a name such as "INT" or "udint".
func ParseDataType(name string) (DataType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if t, ok := typeAliases[upper]; ok {
		return t, nil
	}
	for t, n := range typeNames {
		if n == upper {
			return t, nil
		}
	}
	return TypeRaw, argError("unknown data type %q", name)
}

// StringSize is the on-wire size of an S7 STRING with the given maximum length.
func StringSize(maxLen int) int {
	return maxLen + 2
}
