package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// DebugLogger writes protocol-tagged debug lines and hex dumps of S7
// frames. It is intended for troubleshooting handshake failures, dropped
// connections and rejected items.
type DebugLogger struct {
	w       io.Writer
	c       io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Protocol tags emitted by the packages of this module.
var knownProtocols = []string{
	"s7",
	"s7/discovery",
	"poller",
	"mqtt",
	"valkey",
	"kafka",
	"api",
	"debug",
}

// filterAliases expands a filter entry to the tags it implies.
var filterAliases = map[string][]string{
	"s7":    {"s7/discovery"},
	"sinks": {"mqtt", "valkey", "kafka"},
}

// KnownProtocols returns the protocol tags accepted by SetFilter.
func KnownProtocols() []string {
	out := make([]string, len(knownProtocols))
	copy(out, knownProtocols)
	return out
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each session starts clean.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := NewDebugWriter(file)
	l.c = file
	return l, nil
}

// NewDebugWriter creates a debug logger on an arbitrary writer such as
// os.Stderr. Close does not close w.
func NewDebugWriter(w io.Writer) *DebugLogger {
	l := &DebugLogger{w: w, filters: make(map[string]bool)}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts output to a comma-separated list of protocol tags.
// An empty filter logs everything. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, alias := range filterAliases[p] {
			l.filters[alias] = true
		}
	}

	if len(l.filters) > 0 && !l.closed {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		fmt.Fprintf(l.w, "%s [debug] Filtering enabled for protocols: %s\n",
			time.Now().Format(timestampFormat), strings.Join(list, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

// SetGlobalDebugLogger installs the process-wide debug logger. Passing nil
// disables debug output.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", time.Now().Format(timestampFormat), protocol, fmt.Sprintf(format, args...))
}

// LogTX logs a transmitted frame with hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a received frame with hex dump.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s (%d bytes):\n%s\n",
		time.Now().Format(timestampFormat), protocol, direction, len(data), hexDump(data))
}

func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes a footer and closes the underlying file, if any.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	fmt.Fprintf(l.w, "%s [debug] Debug logging ended\n", time.Now().Format(timestampFormat))
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}

// hexDump renders data as offset, two groups of eight hex bytes and ASCII:
//
//	0000: 03 00 00 16 11 E0 00 00  00 01 00 C1 02 01 00 C2  ................
//	0010: 02 01 02 C0 01 09                                 ......
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for row := 0; row < len(data); row += 16 {
		end := row + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&sb, "    %04X: ", row)
		for i := row; i < row+16; i++ {
			if i == row+8 {
				sb.WriteByte(' ')
			}
			if i < end {
				fmt.Fprintf(&sb, "%02X ", data[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for _, b := range data[row:end] {
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		if end < len(data) {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Printf returns a printf-style function that logs under protocol through
// the global logger. It matches kafka.LoggerFunc.
func Printf(protocol string) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		DebugLog(protocol, format, args...)
	}
}

// Package-level helpers used by the protocol packages.

func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

func DebugTX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(protocol, data)
	}
}

func DebugRX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(protocol, data)
	}
}

func DebugConnect(protocol, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

func DebugConnectSuccess(protocol, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

func DebugConnectError(protocol, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

func DebugDisconnect(protocol, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

func DebugError(protocol, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
