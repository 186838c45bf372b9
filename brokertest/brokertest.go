// Package brokertest measures how fast the configured sinks accept snapshots.
package brokertest

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Bucher-Unipektin/s7connector/poller"
)

// TestConfig holds configuration for the sink stress test.
type TestConfig struct {
	// Duration is how long to run each sink
	Duration time.Duration
	// NumPolls is the number of simulated polls per connection
	NumPolls int
	// NumConnections is the number of simulated PLC connections
	NumConnections int
	// ShowProgress draws a live message counter per sink on the output
	ShowProgress bool
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:       10 * time.Second,
		NumPolls:       20,
		NumConnections: 10,
	}
}

// TestResult holds the results from one sink.
type TestResult struct {
	Sink         string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// Runner publishes synthetic snapshots to each sink in turn.
type Runner struct {
	sinks   []poller.Sink
	testCfg TestConfig
	out     io.Writer
	results []TestResult
	rng     *rand.Rand
}

// NewRunner creates a runner writing its report to out.
func NewRunner(sinks []poller.Sink, testCfg TestConfig, out io.Writer) *Runner {
	if testCfg.NumPolls <= 0 {
		testCfg.NumPolls = 1
	}
	if testCfg.NumConnections <= 0 {
		testCfg.NumConnections = 1
	}
	return &Runner{
		sinks:   sinks,
		testCfg: testCfg,
		out:     out,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run tests every sink sequentially and prints a report.
func (r *Runner) Run(ctx context.Context) []TestResult {
	r.printHeader()
	for _, s := range r.sinks {
		if ctx.Err() != nil {
			break
		}
		r.results = append(r.results, r.testSink(ctx, s))
	}
	r.printReport()
	return r.results
}

// snapshot builds a DINT block with a random value for a random poll.
func (r *Runner) snapshot() poller.Snapshot {
	conn := r.rng.Intn(r.testCfg.NumConnections)
	poll := r.rng.Intn(r.testCfg.NumPolls)
	v := r.rng.Int31n(10000)
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, uint32(v))
	return poller.Snapshot{
		Connection: fmt.Sprintf("BenchPLC%d", conn),
		Poll:       fmt.Sprintf("poll%d", poll),
		Address:    fmt.Sprintf("DB%d.DBD%d", conn+1, poll*4),
		Type:       "DINT",
		Value:      v,
		Raw:        hex.EncodeToString(raw),
		Timestamp:  time.Now(),
	}
}

func (r *Runner) testSink(parent context.Context, s poller.Sink) TestResult {
	result := TestResult{Sink: s.Name()}
	fmt.Fprintf(r.out, "  Testing %s...\n", s.Name())

	ctx, cancel := context.WithTimeout(parent, r.testCfg.Duration)
	defer cancel()

	var bar *progressbar.ProgressBar
	if r.testCfg.ShowProgress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription("    "+s.Name()),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("msg"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	var latencies []time.Duration
	var lastErr error
	start := time.Now()
	for ctx.Err() == nil {
		snap := r.snapshot()
		t0 := time.Now()
		err := s.Publish(ctx, snap)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			result.Errors++
			lastErr = err
			continue
		}
		latencies = append(latencies, time.Since(t0))
		result.MessagesSent++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	result.Duration = time.Since(start)
	if result.Duration > 0 {
		result.Throughput = float64(result.MessagesSent) / result.Duration.Seconds()
	}
	result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	result.Success = result.Errors == 0 && result.MessagesSent > 0
	if result.MessagesSent == 0 {
		result.Error = lastErr
	}
	return result
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  SINK STRESS TEST")
	fmt.Fprintln(r.out, "  "+strings.Repeat("=", 64))
	fmt.Fprintf(r.out, "    Duration:      %v per sink\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Connections:   %d\n", r.testCfg.NumConnections)
	fmt.Fprintf(r.out, "    Polls per PLC: %d\n", r.testCfg.NumPolls)
	fmt.Fprintln(r.out)
}

func (r *Runner) printReport() {
	fmt.Fprintln(r.out)
	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No connected sinks.")
		fmt.Fprintln(r.out, "  Enable mqtt[], valkey[] or kafka[] entries in the configuration file.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-24s %14s %12s %8s\n", "SINK", "THROUGHPUT", "MESSAGES", "STATUS")
	passed, failed := 0, 0
	for _, res := range r.results {
		status := "PASS"
		if res.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := res.Sink
		if len(name) > 24 {
			name = name[:24]
		}
		fmt.Fprintf(r.out, "  %-24s %14s %12d %8s\n",
			name, fmt.Sprintf("%.0f msg/s", res.Throughput), res.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, res := range r.results {
		if res.MessagesSent == 0 {
			continue
		}
		fmt.Fprintf(r.out, "  %s:\n", res.Sink)
		fmt.Fprintf(r.out, "    Duration:   %v\n", res.Duration.Round(time.Millisecond))
		if total := res.MessagesSent + res.Errors; res.Errors > 0 {
			fmt.Fprintf(r.out, "    Messages:   %d sent, %d errors (%.1f%% error rate)\n",
				res.MessagesSent, res.Errors, float64(res.Errors)/float64(total)*100)
		} else {
			fmt.Fprintf(r.out, "    Messages:   %d sent, 0 errors\n", res.MessagesSent)
		}
		fmt.Fprintf(r.out, "    Latency:    avg %v, p50 %v, p95 %v, p99 %v, max %v\n",
			res.AvgLatency.Round(time.Microsecond),
			res.P50Latency.Round(time.Microsecond),
			res.P95Latency.Round(time.Microsecond),
			res.P99Latency.Round(time.Microsecond),
			res.MaxLatency.Round(time.Microsecond))
	}

	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n", passed, failed)
	for _, res := range r.results {
		if res.Success {
			continue
		}
		msg := "no messages sent"
		if res.Error != nil {
			msg = res.Error.Error()
		} else if res.Errors > 0 {
			msg = fmt.Sprintf("%d publish errors", res.Errors)
		}
		fmt.Fprintf(r.out, "    - %s: %s\n", res.Sink, msg)
	}
	fmt.Fprintln(r.out)
}
