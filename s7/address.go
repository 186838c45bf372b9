package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a parsed S7 address string.
type Address struct {
	Area   Area
	Number int      // DB number (only for DB and DI)
	Offset int      // Byte offset, or element index for timers and counters
	Bit    int      // Bit number 0-7 for BOOL, -1 otherwise
	Type   DataType // Inferred data type
	Count  int      // Number of elements; maximum length for STRING
	Size   int      // Bytes to transfer
}

// Regular expressions for parsing S7 addresses
var (
	// DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword), DB1.DBL0 (lint)
	reDB = regexp.MustCompile(`^(DB|DI)(\d+)\.(?:DB|DI)([XBWDL])(\d+)(?:\.(\d))?$`)

	// DB1.0 or DB1.0[16]: offset only, raw bytes unless a type is applied
	reDBSimple = regexp.MustCompile(`^(DB|DI)(\d+)\.(\d+)(?:\[(\d+)\])?$`)

	// I/Q/M/V addresses, German E/A accepted: M0.0, MB0, IW4, QD0, VB10
	reIQM = regexp.MustCompile(`^([IQMEAVL])([XBWDL])?(\d+)(?:\.(\d))?$`)

	// T0, C5
	reTC = regexp.MustCompile(`^([TCZ])(\d+)$`)
)

var letterAreas = map[string]Area{
	"I": AreaInputs,
	"E": AreaInputs,
	"Q": AreaOutputs,
	"A": AreaOutputs,
	"M": AreaFlags,
	"V": AreaV,
	"L": AreaLocal,
	"T": AreaTimer,
	"C": AreaCounter,
	"Z": AreaCounter,
}

// ParseAddress parses an S7 address string.
// Supported formats:
//   - DB1.DBX0.0, DB1.DBB0, DB1.DBW0, DB1.DBD0, DB1.DBL0
//   - DB1.0, DB1.0[16] (raw bytes; see ApplyType)
//   - M0.0, MB0, MW0, MD0 and the same for I/E, Q/A, V and L
//   - T0, C0
func ParseAddress(s string) (*Address, error) {
	addr := strings.ToUpper(strings.TrimSpace(s))
	if addr == "" {
		return nil, argError("empty address")
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		return parseDBSimpleAddress(m)
	}
	if m := reDB.FindStringSubmatch(addr); m != nil {
		return parseDBAddress(m)
	}
	if m := reIQM.FindStringSubmatch(addr); m != nil {
		return parseIQMAddress(m)
	}
	if m := reTC.FindStringSubmatch(addr); m != nil {
		return parseTCAddress(m)
	}
	return nil, argError("invalid S7 address format: %s", s)
}

func dbArea(prefix string) Area {
	if prefix == "DI" {
		return AreaDI
	}
	return AreaDB
}

func atoi(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, argError("invalid number %q", s)
	}
	return n, nil
}

func parseDBSimpleAddress(m []string) (*Address, error) {
	dbNum, err := atoi(m[2])
	if err != nil {
		return nil, err
	}
	offset, err := atoi(m[3])
	if err != nil {
		return nil, err
	}
	count := 1
	if m[4] != "" {
		if count, err = atoi(m[4]); err != nil {
			return nil, err
		}
		if count < 1 {
			return nil, argError("element count must be positive, got %d", count)
		}
	}
	return &Address{
		Area:   dbArea(m[1]),
		Number: dbNum,
		Offset: offset,
		Bit:    -1,
		Type:   TypeRaw,
		Count:  count,
		Size:   count,
	}, nil
}

func parseDBAddress(m []string) (*Address, error) {
	dbNum, err := atoi(m[2])
	if err != nil {
		return nil, err
	}
	offset, err := atoi(m[4])
	if err != nil {
		return nil, err
	}
	addr := &Address{
		Area:   dbArea(m[1]),
		Number: dbNum,
		Offset: offset,
		Bit:    -1,
		Count:  1,
	}
	if m[3] == "X" && m[5] == "" {
		return nil, argError("DBX requires bit number (e.g., DB1.DBX0.0)")
	}
	if err := addr.setSizeLetter(m[3], m[5]); err != nil {
		return nil, err
	}
	return addr, nil
}

func parseIQMAddress(m []string) (*Address, error) {
	offset, err := atoi(m[3])
	if err != nil {
		return nil, err
	}
	addr := &Address{
		Area:   letterAreas[m[1]],
		Offset: offset,
		Bit:    -1,
		Count:  1,
	}
	letter := m[2]
	if letter == "" {
		// M0 means M0.0
		letter = "X"
	}
	if err := addr.setSizeLetter(letter, m[4]); err != nil {
		return nil, err
	}
	return addr, nil
}

func parseTCAddress(m []string) (*Address, error) {
	num, err := atoi(m[2])
	if err != nil {
		return nil, err
	}
	return &Address{
		Area:   letterAreas[m[1]],
		Offset: num,
		Bit:    -1,
		Type:   TypeWord, // Timers and counters are 16-bit
		Count:  1,
		Size:   2,
	}, nil
}

// setSizeLetter applies an X/B/W/D/L size letter and an optional bit number.
func (a *Address) setSizeLetter(letter, bit string) error {
	switch letter {
	case "X":
		a.Bit = 0
		if bit != "" {
			n, err := atoi(bit)
			if err != nil {
				return err
			}
			if n < 0 || n > 7 {
				return argError("bit number must be 0-7, got %d", n)
			}
			a.Bit = n
		}
		a.Type = TypeBool
		a.Size = 1
		return nil
	case "B":
		a.Type, a.Size = TypeByte, 1
	case "W":
		a.Type, a.Size = TypeWord, 2
	case "D":
		a.Type, a.Size = TypeDWord, 4
	case "L":
		a.Type, a.Size = TypeLInt, 8
	default:
		return argError("unknown size letter %s", letter)
	}
	if bit != "" {
		return argError("bit number not allowed for %s access", letter)
	}
	return nil
}

// ApplyType overrides the inferred type, keeping the element count. For
// STRING the count is the declared maximum length.
func (a *Address) ApplyType(t DataType) error {
	if a.Type == TypeBool && t != TypeBool {
		return argError("bit address cannot hold %s", t)
	}
	switch {
	case t == TypeString:
		if a.Count > 254 {
			return argError("STRING length must be at most 254, got %d", a.Count)
		}
		a.Size = StringSize(a.Count)
	case t == TypeRaw:
		if a.Type != TypeRaw {
			a.Size = a.Type.Size() * a.Count
		}
	default:
		a.Size = t.Size() * a.Count
	}
	a.Type = t
	return nil
}

// Ref returns the byte range the address covers.
func (a *Address) Ref() AreaRef {
	return AreaRef{Area: a.Area, Number: a.Number, Offset: a.Offset, Length: a.Size}
}

// String returns the canonical address form.
func (a *Address) String() string {
	var prefix string
	if a.Area.UsesNumber() {
		prefix = fmt.Sprintf("%s%d.", a.Area, a.Number)
	}
	switch {
	case a.Area.isTimerCounter():
		return fmt.Sprintf("%s%d", a.Area, a.Offset)
	case a.Type == TypeBool && a.Bit >= 0:
		if a.Area.UsesNumber() {
			return fmt.Sprintf("%sDBX%d.%d", prefix, a.Offset, a.Bit)
		}
		return fmt.Sprintf("%s%d.%d", a.Area, a.Offset, a.Bit)
	case a.Area.UsesNumber():
		return fmt.Sprintf("%s%d[%d]", prefix, a.Offset, a.Size)
	default:
		return fmt.Sprintf("%sB%d[%d]", a.Area, a.Offset, a.Size)
	}
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
