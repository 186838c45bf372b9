package s7

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestValueDecode(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  interface{}
	}{
		{"bool bit set", Value{Type: TypeBool, Bytes: []byte{0x08}, Bit: 3, Count: 1}, true},
		{"bool bit clear", Value{Type: TypeBool, Bytes: []byte{0x08}, Bit: 2, Count: 1}, false},
		{"byte", Value{Type: TypeByte, Bytes: []byte{0xFE}, Bit: -1, Count: 1}, uint64(0xFE)},
		{"sint", Value{Type: TypeSInt, Bytes: []byte{0xFE}, Bit: -1, Count: 1}, int64(-2)},
		{"word", Value{Type: TypeWord, Bytes: []byte{0x12, 0x34}, Bit: -1, Count: 1}, uint64(0x1234)},
		{"int", Value{Type: TypeInt, Bytes: []byte{0xFF, 0x9C}, Bit: -1, Count: 1}, int64(-100)},
		{"dword", Value{Type: TypeDWord, Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}, Bit: -1, Count: 1}, uint64(0xDEADBEEF)},
		{"dint", Value{Type: TypeDInt, Bytes: []byte{0xFF, 0xFF, 0xFF, 0xFF}, Bit: -1, Count: 1}, int64(-1)},
		{"real", Value{Type: TypeReal, Bytes: []byte{0x3F, 0xC0, 0x00, 0x00}, Bit: -1, Count: 1}, float64(1.5)},
		{"lreal", Value{Type: TypeLReal, Bytes: []byte{0x40, 0x09, 0x21, 0xFB, 0x54, 0x44, 0x2D, 0x18}, Bit: -1, Count: 1}, math.Pi},
		{"lint", Value{Type: TypeLInt, Bytes: []byte{0x80, 0, 0, 0, 0, 0, 0, 0}, Bit: -1, Count: 1}, int64(math.MinInt64)},
		{"string", Value{Type: TypeString, Bytes: []byte{8, 5, 'H', 'e', 'l', 'l', 'o', 0, 0, 0}, Bit: -1, Count: 8}, "Hello"},
		{"raw", Value{Type: TypeRaw, Bytes: []byte{1, 2}, Bit: -1, Count: 2}, []int{1, 2}},
		{"int array", Value{Type: TypeInt, Bytes: []byte{0, 1, 0xFF, 0xFF}, Bit: -1, Count: 2}, []interface{}{int64(1), int64(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.value.GoValue()
			if err != nil {
				t.Fatalf("GoValue() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GoValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestValueShortData(t *testing.T) {
	v := Value{Type: TypeDInt, Bytes: []byte{0, 1}, Bit: -1, Count: 1}
	if _, err := v.Int(); err == nil {
		t.Errorf("Int() on short data expected error")
	}
	if _, err := v.Float(); err == nil {
		t.Errorf("Float() on DINT expected error")
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"hello", []byte{8, 5, 'H', 'e', 'l', 'l', 'o', 0, 0, 0}, "Hello"},
		{"empty", []byte{4, 0, 0, 0, 0, 0}, ""},
		{"actual longer than buffer", []byte{10, 9, 'a', 'b'}, "ab"},
	}
	for _, tt := range tests {
		got, err := DecodeString(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("DecodeString(%s) = %q, %v, want %q", tt.name, got, err, tt.want)
		}
	}
	if _, err := DecodeString([]byte{1}); err == nil {
		t.Errorf("DecodeString of 1 byte expected error")
	}
}

func TestDecodeLongString(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefghij"), 20) // 200 bytes, above 127
	buf := make([]byte, 256)
	buf[0] = 240
	buf[1] = byte(len(in))
	copy(buf[2:], in)
	got, err := DecodeString(buf)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if got != string(in) {
		t.Errorf("DecodeString() returned %d bytes, want %d", len(got), len(in))
	}
}

func TestEncodeString(t *testing.T) {
	got, err := EncodeString("Hello", 8)
	if err != nil {
		t.Fatalf("EncodeString() error = %v", err)
	}
	if want := []byte{8, 5, 'H', 'e', 'l', 'l', 'o', 0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("EncodeString() = % X, want % X", got, want)
	}
	if _, err := EncodeString("too long", 4); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EncodeString() overlong error = %v, want ErrInvalidArgument", err)
	}
	if _, err := EncodeString("", 255); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EncodeString() max 255 error = %v, want ErrInvalidArgument", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		typ     DataType
		in      interface{}
		size    int
		want    []byte
		wantErr bool
	}{
		{"bool true", TypeBool, true, 0, []byte{1}, false},
		{"bool string", TypeBool, "false", 0, []byte{0}, false},
		{"byte", TypeByte, 200, 0, []byte{200}, false},
		{"byte overflow", TypeByte, 256, 0, nil, true},
		{"sint", TypeSInt, -1, 0, []byte{0xFF}, false},
		{"word hex string", TypeWord, "0x1234", 0, []byte{0x12, 0x34}, false},
		{"int negative", TypeInt, int64(-100), 0, []byte{0xFF, 0x9C}, false},
		{"int overflow", TypeInt, 40000, 0, nil, true},
		{"dword", TypeDWord, uint32(0xDEADBEEF), 0, []byte{0xDE, 0xAD, 0xBE, 0xEF}, false},
		{"dint from json float", TypeDInt, float64(-2), 0, []byte{0xFF, 0xFF, 0xFF, 0xFE}, false},
		{"dint fractional", TypeDInt, 1.5, 0, nil, true},
		{"real", TypeReal, 1.5, 0, []byte{0x3F, 0xC0, 0x00, 0x00}, false},
		{"real string", TypeReal, "1.5", 0, []byte{0x3F, 0xC0, 0x00, 0x00}, false},
		{"lreal", TypeLReal, math.Pi, 0, []byte{0x40, 0x09, 0x21, 0xFB, 0x54, 0x44, 0x2D, 0x18}, false},
		{"lint", TypeLInt, int64(-1), 0, bytes.Repeat([]byte{0xFF}, 8), false},
		{"string", TypeString, "Hi", 4, []byte{4, 2, 'H', 'i', 0, 0}, false},
		{"raw hex", TypeRaw, "de ad be ef", 4, []byte{0xDE, 0xAD, 0xBE, 0xEF}, false},
		{"raw json array", TypeRaw, []interface{}{float64(1), float64(2)}, 2, []byte{1, 2}, false},
		{"raw out of range", TypeRaw, []int{256}, 1, nil, true},
		{"garbage", TypeInt, "abc", 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.typ, tt.in, tt.size)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("Encode() error = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEncodeAddress(t *testing.T) {
	addr, _ := ParseAddress("DB1.0[4]")
	if _, err := EncodeAddress(addr, "0102"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EncodeAddress() short raw error = %v, want ErrInvalidArgument", err)
	}
	b, err := EncodeAddress(addr, "01020304")
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Errorf("EncodeAddress() = % X, %v", b, err)
	}

	str, _ := ParseAddress("DB1.0[6]")
	if err := str.ApplyType(TypeString); err != nil {
		t.Fatalf("ApplyType() error = %v", err)
	}
	b, err = EncodeAddress(str, "abc")
	if err != nil || len(b) != str.Size {
		t.Errorf("EncodeAddress(STRING) = % X, %v, want %d bytes", b, err, str.Size)
	}
}

func TestMergeBit(t *testing.T) {
	if got := MergeBit(0x00, 3, true); got != 0x08 {
		t.Errorf("MergeBit(0x00, 3, true) = %02X, want 08", got)
	}
	if got := MergeBit(0xFF, 0, false); got != 0xFE {
		t.Errorf("MergeBit(0xFF, 0, false) = %02X, want FE", got)
	}
}

func TestParseDataType(t *testing.T) {
	tests := map[string]DataType{
		"int":    TypeInt,
		"UDINT":  TypeDWord,
		"real":   TypeReal,
		"String": TypeString,
		"bytes":  TypeRaw,
	}
	for in, want := range tests {
		got, err := ParseDataType(in)
		if err != nil || got != want {
			t.Errorf("ParseDataType(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseDataType("WSTRING"); err == nil {
		t.Errorf("ParseDataType(WSTRING) expected error")
	}
}
