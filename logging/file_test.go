package logging

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestFileLogger_Lines(t *testing.T) {
	tests := []struct {
		name  string
		write func(l *FileLogger)
		want  string
	}{
		{"log", func(l *FileLogger) { l.Log("connected to %s:%d", "10.0.0.5", 102) }, " connected to 10.0.0.5:102\n"},
		{"printf", func(l *FileLogger) { l.Printf("poll %s every %v", "status", time.Second) }, " poll status every 1s\n"},
		{"println no double newline", func(l *FileLogger) { l.Println("reconnect", 3) }, " reconnect 3\n"},
		{"prefix printf", func(l *FileLogger) { l.WithPrefix("mqtt").Printf("lost %s", "broker") }, " [mqtt] lost broker\n"},
		{"prefix println", func(l *FileLogger) { l.WithPrefix("kafka").Println("EOF") }, " [kafka] EOF\n"},
	}

	stamp := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} `)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s7connector.log")
			l, err := NewFileLogger(path)
			if err != nil {
				t.Fatalf("NewFileLogger() error = %v", err)
			}
			tt.write(l)
			l.Close()

			got := readLog(t, path)
			if !stamp.MatchString(got) {
				t.Errorf("line %q has no timestamp", got)
			}
			if !strings.HasSuffix(got, tt.want) {
				t.Errorf("line = %q, want suffix %q", got, tt.want)
			}
		})
	}
}

func TestNewFileLogger_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s7connector.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	l.Log("started")
	l.Close()

	got := readLog(t, path)
	if !strings.HasPrefix(got, "previous run\n") || !strings.Contains(got, "started") {
		t.Errorf("log = %q", got)
	}

	if _, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Error("NewFileLogger() in a missing directory should fail")
	}
}

func TestFileLogger_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s7connector.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	p := l.WithPrefix("mqtt")
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// writes after Close are dropped, including through a prefix logger
	l.Log("late")
	p.Println("late")
	if got := readLog(t, path); got != "" {
		t.Errorf("log after close = %q", got)
	}
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s7connector.log")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			l.Log("press%d online", n)
		}(i)
		go func(n int) {
			defer wg.Done()
			l.WithPrefix("mqtt").Printf("publish %d", n)
		}(i)
	}
	wg.Wait()
	l.Close()

	lines := strings.Split(strings.TrimSpace(readLog(t, path)), "\n")
	if len(lines) != 100 {
		t.Errorf("got %d lines, want 100", len(lines))
	}
}
