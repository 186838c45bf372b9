package s7

import (
	"fmt"
	"math"
	"strings"
)

// Area is an S7 memory area. Its value is the area code sent in an S7ANY
// item; the zero value AreaNone means no area and is rejected by every
// operation.
type Area byte

const (
	AreaNone       Area = 0x00
	AreaSysInfo    Area = 0x03 // System info (S7-200)
	AreaSysFlags   Area = 0x05 // System flags (S7-200)
	AreaAnaIn      Area = 0x06 // Analog inputs (S7-200)
	AreaAnaOut     Area = 0x07 // Analog outputs (S7-200)
	AreaCounter    Area = 0x1C // Counters (S7-300/400)
	AreaTimer      Area = 0x1D // Timers (S7-300/400)
	AreaCounter200 Area = 0x1E // IEC counters (S7-200)
	AreaTimer200   Area = 0x1F // IEC timers (S7-200)
	AreaInputs     Area = 0x81 // Process image inputs (I/E)
	AreaOutputs    Area = 0x82 // Process image outputs (Q/A)
	AreaFlags      Area = 0x83 // Merker/flags (M)
	AreaDB         Area = 0x84 // Data blocks
	AreaDI         Area = 0x85 // Instance data blocks
	AreaLocal      Area = 0x86 // Local data
	AreaV          Area = 0x87 // V memory (S7-200)
)

var areaNames = map[Area]string{
	AreaSysInfo:    "SYSINFO",
	AreaSysFlags:   "SYSFLAGS",
	AreaAnaIn:      "ANAIN",
	AreaAnaOut:     "ANAOUT",
	AreaCounter:    "C",
	AreaTimer:      "T",
	AreaCounter200: "C200",
	AreaTimer200:   "T200",
	AreaInputs:     "I",
	AreaOutputs:    "Q",
	AreaFlags:      "M",
	AreaDB:         "DB",
	AreaDI:         "DI",
	AreaLocal:      "L",
	AreaV:          "V",
}

// String returns the area name.
func (a Area) String() string {
	if name, ok := areaNames[a]; ok {
		return name
	}
	if a == AreaNone {
		return "NONE"
	}
	return fmt.Sprintf("AREA(0x%02X)", byte(a))
}

// Valid reports whether a is one of the known areas.
func (a Area) Valid() bool {
	_, ok := areaNames[a]
	return ok
}

// UsesNumber reports whether the area number (DB number) is meaningful.
func (a Area) UsesNumber() bool {
	return a == AreaDB || a == AreaDI
}

// isTimerCounter reports whether the area is addressed by element index
// rather than by bit address.
func (a Area) isTimerCounter() bool {
	switch a {
	case AreaTimer, AreaCounter, AreaTimer200, AreaCounter200:
		return true
	}
	return false
}

// ParseArea parses an area name. German mnemonics (E, A) are accepted for
// inputs and outputs.
func ParseArea(s string) (Area, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	switch upper {
	case "E", "INPUTS":
		return AreaInputs, nil
	case "A", "OUTPUTS":
		return AreaOutputs, nil
	case "FLAGS", "MARKER":
		return AreaFlags, nil
	case "TIMER":
		return AreaTimer, nil
	case "COUNTER":
		return AreaCounter, nil
	}
	for a, name := range areaNames {
		if name == upper {
			return a, nil
		}
	}
	return AreaNone, argError("unknown area %q", s)
}

// AreaRef addresses a contiguous byte range in a PLC memory area.
type AreaRef struct {
	Area   Area
	Number int // DB number; only used when Area.UsesNumber()
	Offset int // byte offset (element index for timers and counters)
	Length int // byte count
}

// String returns a compact representation such as "DB1[0:16]".
func (r AreaRef) String() string {
	if r.Area.UsesNumber() {
		return fmt.Sprintf("%s%d[%d:%d]", r.Area, r.Number, r.Offset, r.Offset+r.Length)
	}
	return fmt.Sprintf("%s[%d:%d]", r.Area, r.Offset, r.Offset+r.Length)
}

// Validate checks the reference before any I/O is attempted.
func (r AreaRef) Validate() error {
	if r.Area == AreaNone {
		return argError("area must be set")
	}
	if !r.Area.Valid() {
		return argError("unknown area 0x%02X", byte(r.Area))
	}
	if r.Length <= 0 {
		return argError("length must be positive, but was %d", r.Length)
	}
	if r.Offset < 0 {
		return argError("offset must be non-negative, but was %d", r.Offset)
	}
	if r.Offset > math.MaxInt32-r.Length {
		return argError("offset + length would overflow: offset=%d, length=%d", r.Offset, r.Length)
	}
	if r.Area.UsesNumber() && (r.Number < 0 || r.Number > 0xFFFF) {
		return argError("area number must be between 0 and 65535, but was %d", r.Number)
	}
	if last := r.wireStart(r.Length - 1); last > r.maxWireStart() {
		return argError("%s ends beyond the 24-bit address range", r)
	}
	return nil
}

// wireStart returns the wire offset of the byte rel bytes into the range.
// Timers and counters are addressed by 2-byte element, all other areas by
// byte.
func (r AreaRef) wireStart(rel int) int {
	if r.Area.isTimerCounter() {
		return r.Offset + rel/2
	}
	return r.Offset + rel
}

// maxWireStart is the largest offset an S7ANY item can carry. Byte areas
// send offset*8.
func (r AreaRef) maxWireStart() int {
	if r.Area.isTimerCounter() {
		return maxItemAddress
	}
	return maxItemAddress / 8
}

// wireNumber is the DB number sent on the wire.
func (r AreaRef) wireNumber() int {
	if r.Area.UsesNumber() {
		return r.Number
	}
	return 0
}
