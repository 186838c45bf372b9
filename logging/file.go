package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileLogger appends timestamped lines to the service log. It is safe for
// concurrent use and satisfies the Printf/Println logger interface used by
// the MQTT client, so broker library errors land in the same file.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// WithPrefix returns a logger sharing l's file that tags each line.
func (l *FileLogger) WithPrefix(prefix string) *PrefixLogger {
	return &PrefixLogger{l: l, prefix: prefix}
}

// Log writes a formatted line.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.write("", fmt.Sprintf(format, args...))
}

func (l *FileLogger) Printf(format string, args ...interface{}) {
	l.Log(format, args...)
}

func (l *FileLogger) Println(args ...interface{}) {
	l.write("", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (l *FileLogger) write(prefix, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	ts := time.Now().Format(timestampFormat)
	if prefix != "" {
		fmt.Fprintf(l.file, "%s [%s] %s\n", ts, prefix, msg)
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", ts, msg)
}

// Close closes the log file. Further writes are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// PrefixLogger tags lines written to a FileLogger.
type PrefixLogger struct {
	l      *FileLogger
	prefix string
}

func (p *PrefixLogger) Printf(format string, args ...interface{}) {
	p.l.write(p.prefix, fmt.Sprintf(format, args...))
}

func (p *PrefixLogger) Println(args ...interface{}) {
	p.l.write(p.prefix, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}
