package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/brokertest"
	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/kafka"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

func newBenchCmd(global *globalFlags) *cobra.Command {
	testCfg := brokertest.DefaultTestConfig()
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stress test the configured MQTT, Valkey and Kafka sinks",
		Long: `Connect to every enabled sink in the configuration file and publish
synthetic snapshots as fast as each accepts them. No PLC is contacted.

Reports throughput and publish latency per sink.`,
		Example: `  s7connector bench --config config.yaml
  s7connector bench --duration 30s --connections 50 --polls 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(global.configPath)
			if err != nil {
				return wrapConfigError(err, global.configPath)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			testCfg.ShowProgress = !noProgress
			return runBench(ctx, cfg, testCfg, os.Stdout)
		},
	}
	cmd.Flags().DurationVar(&testCfg.Duration, "duration", testCfg.Duration, "How long to publish to each sink")
	cmd.Flags().IntVar(&testCfg.NumConnections, "connections", testCfg.NumConnections, "Number of simulated connections")
	cmd.Flags().IntVar(&testCfg.NumPolls, "polls", testCfg.NumPolls, "Number of simulated polls per connection")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Do not draw the live message counter")
	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, testCfg brokertest.TestConfig, out io.Writer) error {
	g, err := buildGateway(cfg, false)
	if err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var sinks []poller.Sink
	g.mqtt.StartAll()
	for _, p := range g.mqtt.List() {
		if p.IsRunning() {
			sinks = append(sinks, p)
		} else {
			fmt.Fprintf(out, "  skipping %s: not connected\n", p.Name())
		}
	}
	defer g.mqtt.StopAll()

	g.valkey.StartAll()
	for _, p := range g.valkey.List() {
		if p.IsRunning() {
			sinks = append(sinks, p)
		} else {
			fmt.Fprintf(out, "  skipping %s: not connected\n", p.Name())
		}
	}
	defer g.valkey.StopAll()

	g.kafka.ConnectAll(connectCtx)
	for _, p := range g.kafka.List() {
		if p.Status() == kafka.StatusConnected {
			sinks = append(sinks, p)
		} else {
			fmt.Fprintf(out, "  skipping %s: %v\n", p.Name(), p.Error())
		}
	}
	defer g.kafka.DisconnectAll()

	results := brokertest.NewRunner(sinks, testCfg, out).Run(ctx)
	for _, r := range results {
		if !r.Success {
			return fmt.Errorf("%s failed", r.Sink)
		}
	}
	return nil
}
