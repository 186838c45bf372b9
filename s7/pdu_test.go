package s7

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadRequestEncoding(t *testing.T) {
	tests := []struct {
		name   string
		area   Area
		number int
		start  int
		length int
		want   []byte // S7ANY item
	}{
		{"DB bytes", AreaDB, 1, 10, 16,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x10, 0x00, 0x01, 0x84, 0x00, 0x00, 0x50}},
		{"flags", AreaFlags, 0, 0x1000, 96,
			[]byte{0x12, 0x0A, 0x10, 0x02, 0x00, 0x60, 0x00, 0x00, 0x83, 0x00, 0x80, 0x00}},
		{"timer element index", AreaTimer, 0, 5, 4,
			[]byte{0x12, 0x0A, 0x10, 0x1D, 0x00, 0x02, 0x00, 0x00, 0x1D, 0x00, 0x00, 0x05}},
		{"counter200 odd length", AreaCounter200, 0, 2, 3,
			[]byte{0x12, 0x0A, 0x10, 0x1E, 0x00, 0x02, 0x00, 0x00, 0x1E, 0x00, 0x00, 0x02}},
		{"analog input words", AreaAnaIn, 0, 2, 4,
			[]byte{0x12, 0x0A, 0x10, 0x04, 0x00, 0x02, 0x00, 0x00, 0x06, 0x00, 0x00, 0x10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newRequestPDU()
			p.initReadRequest()
			if err := p.addVarToReadRequest(tt.area, tt.number, tt.start, tt.length); err != nil {
				t.Fatalf("addVarToReadRequest() error = %v", err)
			}
			b := p.bytes()
			if len(b) != 10+2+12 {
				t.Fatalf("PDU length = %d, want 24", len(b))
			}
			if b[0] != s7ProtocolID || b[1] != pduJob {
				t.Errorf("header = % X, want 32 01 ...", b[:2])
			}
			if got := be16(b[6:8]); got != 14 {
				t.Errorf("param length = %d, want 14", got)
			}
			if got := be16(b[8:10]); got != 0 {
				t.Errorf("data length = %d, want 0", got)
			}
			if b[10] != funcReadVar || b[11] != 1 {
				t.Errorf("function/count = % X, want 04 01", b[10:12])
			}
			if got := b[12:24]; !bytes.Equal(got, tt.want) {
				t.Errorf("item = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestWriteRequestEncoding(t *testing.T) {
	p, _ := newRequestPDU()
	p.initWriteRequest()
	payload := []byte{0xAA, 0xBB, 0xCC}
	if err := p.addVarToWriteRequest(AreaDB, 2, 4, payload); err != nil {
		t.Fatalf("addVarToWriteRequest() error = %v", err)
	}
	payload[0] = 0x00 // request must hold its own copy

	b := p.bytes()
	want := []byte{
		0x32, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0E, 0x00, 0x07,
		0x05, 0x01,
		0x12, 0x0A, 0x10, 0x02, 0x00, 0x03, 0x00, 0x02, 0x84, 0x00, 0x00, 0x20,
		0x00, 0x04, 0x00, 0x18, 0xAA, 0xBB, 0xCC,
	}
	if !bytes.Equal(b, want) {
		t.Errorf("write PDU = % X\nwant        % X", b, want)
	}
}

func TestWriteRequestTimer(t *testing.T) {
	p, _ := newRequestPDU()
	p.initWriteRequest()
	if err := p.addVarToWriteRequest(AreaCounter, 0, 1, []byte{0x00, 0x99}); err != nil {
		t.Fatalf("addVarToWriteRequest() error = %v", err)
	}
	d := p.data()
	if want := []byte{0x00, tsOctetStr, 0x00, 0x02, 0x00, 0x99}; !bytes.Equal(d, want) {
		t.Errorf("data item = % X, want % X", d, want)
	}
}

func TestRequestLimits(t *testing.T) {
	p, _ := newRequestPDU()
	p.initReadRequest()
	if err := p.addVarToReadRequest(AreaDB, 0x10000, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("DB number 65536 error = %v, want ErrInvalidArgument", err)
	}
	if err := p.addVarToReadRequest(AreaDB, 1, 0x200000, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("address beyond 24 bits error = %v, want ErrInvalidArgument", err)
	}
	if err := p.addVarToReadRequest(AreaDB, 1, 0, 0x10000); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("count 65536 error = %v, want ErrInvalidArgument", err)
	}
	if err := p.addVarToReadRequest(AreaDB, 1, 0x1FFFFF, 1); err != nil {
		t.Errorf("largest address error = %v", err)
	}
}

func TestNegotiateRequest(t *testing.T) {
	p, _ := newRequestPDU()
	p.initNegotiate()
	p.setRef(0x0102)
	want := []byte{0x32, 0x01, 0x00, 0x00, 0x01, 0x02, 0x00, 0x08, 0x00, 0x00,
		0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03, 0xC0}
	if got := p.bytes(); !bytes.Equal(got, want) {
		t.Errorf("negotiate PDU = % X, want % X", got, want)
	}
}

func TestParsePDU(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantErr error
	}{
		{"too short", []byte{0x32, 0x03, 0x00}, ErrMalformedPDU},
		{"bad protocol id", []byte{0x33, 0x03, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrMalformedPDU},
		{"unknown kind", []byte{0x32, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrMalformedPDU},
		{"truncated ack header", []byte{0x32, 0x03, 0, 0, 0, 0, 0, 0, 0, 0}, ErrMalformedPDU},
		{"sections exceed buffer", []byte{0x32, 0x03, 0, 0, 0, 0, 0x00, 0x02, 0x00, 0x04, 0, 0, 0x04, 0x01}, ErrMalformedPDU},
		{"header error", []byte{0x32, 0x03, 0, 0, 0, 0, 0, 0, 0, 0, 0x85, 0x00}, ErrResult},
		{"valid job", []byte{0x32, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePDU(tt.in)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("parsePDU() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("parsePDU() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePDUHeaderError(t *testing.T) {
	_, err := parsePDU([]byte{0x32, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0x85, 0x00})
	var se *S7Error
	if !errors.As(err, &se) {
		t.Fatalf("parsePDU() error = %v, want *S7Error", err)
	}
	if se.Class != 0x85 || se.Code != 0 {
		t.Errorf("S7Error = %+v, want class 0x85 code 0", se)
	}
}

func TestTestReadResult(t *testing.T) {
	tests := []struct {
		name      string
		par, data []byte
		wantCode  int // 0 means success
		wantData  []byte
	}{
		{"bits", []byte{0x04, 0x01}, []byte{0xFF, tsWord, 0x00, 0x10, 0x01, 0x02}, 0, []byte{0x01, 0x02}},
		{"octet string", []byte{0x04, 0x01}, []byte{0xFF, tsOctetStr, 0x00, 0x02, 0x0A, 0x0B}, 0, []byte{0x0A, 0x0B}},
		{"char bytes", []byte{0x04, 0x01}, []byte{0xFF, tsCharBytes, 0x00, 0x01, 0x41}, 0, []byte{0x41}},
		{"empty", []byte{0x04, 0x01}, []byte{0xFF, tsWord, 0x00, 0x00}, 0, []byte{}},
		{"item not available", []byte{0x04, 0x01}, []byte{0x0A, 0x00, 0x00, 0x00}, ResultItemNotAvailable, nil},
		{"unexpected function", []byte{0x05, 0x01}, []byte{0xFF}, ResultUnexpectedFunc, nil},
		{"unknown data unit", []byte{0x04, 0x01}, []byte{0xFF, 0x07, 0x00, 0x01, 0x00}, ResultUnknownDataUnitSize, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePDU(ackData([]byte{0, 1}, tt.par, tt.data))
			if err != nil {
				t.Fatalf("parsePDU() error = %v", err)
			}
			err = p.testReadResult()
			if tt.wantCode != 0 {
				var re *ResultError
				if !errors.As(err, &re) || re.Code != tt.wantCode {
					t.Errorf("testReadResult() error = %v, want code %d", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("testReadResult() error = %v", err)
			}
			if got := p.userData(); !bytes.Equal(got, tt.wantData) {
				t.Errorf("userData() = % X, want % X", got, tt.wantData)
			}
		})
	}
}

func TestTestReadResultOverlong(t *testing.T) {
	p, err := parsePDU(ackData([]byte{0, 1}, []byte{0x04, 0x01}, []byte{0xFF, tsOctetStr, 0x00, 0x09, 0x01}))
	if err != nil {
		t.Fatalf("parsePDU() error = %v", err)
	}
	if err := p.testReadResult(); !errors.Is(err, ErrMalformedPDU) {
		t.Errorf("testReadResult() error = %v, want ErrMalformedPDU", err)
	}
}

func TestTestWriteResult(t *testing.T) {
	tests := []struct {
		name      string
		par, data []byte
		wantCode  int
		wantErr   error
	}{
		{"ok", []byte{0x05, 0x01}, []byte{0xFF}, 0, nil},
		{"rejected", []byte{0x05, 0x01}, []byte{0x00}, ResultWriteRejected, ErrResult},
		{"size mismatch", []byte{0x05, 0x01}, []byte{0x07}, ResultWriteDataSizeMismatch, ErrResult},
		{"wrong function", []byte{0x04, 0x01}, []byte{0xFF}, ResultUnexpectedFunc, ErrResult},
		{"no data", []byte{0x05, 0x01}, nil, 0, ErrMalformedPDU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePDU(ackData([]byte{0, 1}, tt.par, tt.data))
			if err != nil {
				t.Fatalf("parsePDU() error = %v", err)
			}
			err = p.testWriteResult()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("testWriteResult() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("testWriteResult() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantCode != 0 {
				var re *ResultError
				if !errors.As(err, &re) || re.Code != tt.wantCode {
					t.Errorf("testWriteResult() error = %v, want code %d", err, tt.wantCode)
				}
			}
		})
	}
}

func TestNegotiatedLength(t *testing.T) {
	p, err := parsePDU(ackData([]byte{0, 1}, []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x01, 0xE0}, nil))
	if err != nil {
		t.Fatalf("parsePDU() error = %v", err)
	}
	n, err := p.negotiatedLength()
	if err != nil || n != 480 {
		t.Errorf("negotiatedLength() = %d, %v, want 480", n, err)
	}
}
