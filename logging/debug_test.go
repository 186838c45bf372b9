package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestDebugLogger_Filter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		protocol string
		want     bool
	}{
		{"empty filter logs all", "", "kafka", true},
		{"exact match", "s7", "s7", true},
		{"case insensitive", "S7", "s7", true},
		{"alias expands", "s7", "s7/discovery", true},
		{"sinks alias", "sinks", "valkey", true},
		{"not selected", "s7", "mqtt", false},
		{"list", "poller, mqtt", "mqtt", true},
		{"debug always passes", "s7", "debug", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewDebugWriter(&buf)
			l.SetFilter(tt.filter)
			buf.Reset()

			l.Log(tt.protocol, "hello %d", 1)
			got := strings.Contains(buf.String(), "["+tt.protocol+"] hello 1")
			if got != tt.want {
				t.Errorf("filter %q protocol %q logged = %v, want %v (%q)", tt.filter, tt.protocol, got, tt.want, buf.String())
			}
		})
	}
}

func TestDebugLogger_Packet(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugWriter(&buf)
	l.LogTX("s7", []byte{0x03, 0x00, 0x00, 0x07, 0x02, 0xF0, 0x80})

	out := buf.String()
	if !strings.Contains(out, "[s7] TX (7 bytes):") {
		t.Errorf("missing packet header in %q", out)
	}
	if !strings.Contains(out, "0000: 03 00 00 07 02 F0 80") {
		t.Errorf("missing hex dump in %q", out)
	}
}

func TestDebugLogger_Close(t *testing.T) {
	var buf bytes.Buffer
	l := NewDebugWriter(&buf)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	n := buf.Len()
	l.Log("s7", "after close")
	if buf.Len() != n {
		t.Errorf("logged after close: %q", buf.String())
	}
}

func TestDebugLogger_Nil(t *testing.T) {
	var l *DebugLogger
	l.Log("s7", "ignored")
	l.LogRX("s7", []byte{1})
	l.SetFilter("s7")
	if err := l.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "    (empty)"},
		{"ascii", []byte("S7"), "    0000: 53 37" + strings.Repeat(" ", 3*14+2) + " S7"},
		{"two rows", bytes.Repeat([]byte{0xFF}, 17),
			"    0000: FF FF FF FF FF FF FF FF  FF FF FF FF FF FF FF FF  ................\n" +
				"    0010: FF " + strings.Repeat("   ", 15) + "  ."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hexDump(tt.in); got != tt.want {
				t.Errorf("hexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestGlobalDebugLogger(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalDebugLogger(NewDebugWriter(&buf))
	defer SetGlobalDebugLogger(nil)

	DebugConnect("s7", "10.0.0.1:102")
	Printf("kafka")("produced %d", 3)

	out := buf.String()
	if !strings.Contains(out, "[s7] CONNECT to 10.0.0.1:102") {
		t.Errorf("missing connect line in %q", out)
	}
	if !strings.Contains(out, "[kafka] produced 3") {
		t.Errorf("missing Printf line in %q", out)
	}
}
