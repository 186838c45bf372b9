package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/api"
	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/kafka"
	"github.com/Bucher-Unipektin/s7connector/mqtt"
	"github.com/Bucher-Unipektin/s7connector/poller"
	"github.com/Bucher-Unipektin/s7connector/valkey"
)

type serveFlags struct {
	noAPI    bool
	httpHost string
	httpPort int
}

func newServeCmd(global *globalFlags, l *logs) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll configured PLCs and republish changes",
		Long: `Connect to every enabled connection in the configuration file, read each
poll on its interval and publish blocks whose bytes changed to the enabled
MQTT brokers, Valkey servers and Kafka clusters. The REST API serves the
latest snapshots and on-demand reads and writes.

Runs until interrupted with SIGINT or SIGTERM.`,
		Example: `  s7connector serve --config /etc/s7connector/config.yaml
  s7connector serve --log s7connector.log --log-debug s7,poller`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(global, flags, l)
		},
	}
	cmd.Flags().BoolVar(&flags.noAPI, "no-api", false, "Disable the REST API")
	cmd.Flags().StringVar(&flags.httpHost, "host", "", "HTTP bind address (overrides config)")
	cmd.Flags().IntVarP(&flags.httpPort, "port", "p", 0, "HTTP listen port (overrides config)")
	return cmd
}

// gateway is everything serve starts, in start order.
type gateway struct {
	poller *poller.Manager
	mqtt   *mqtt.Manager
	valkey *valkey.Manager
	kafka  *kafka.Manager
	hub    *api.Hub
	api    *api.Server
}

func buildGateway(cfg *config.Config, withAPI bool, opts ...poller.Option) (*gateway, error) {
	pm, err := poller.NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Connections))
	for _, c := range cfg.Connections {
		names = append(names, c.Name)
	}

	g := &gateway{
		poller: pm,
		mqtt:   mqtt.NewManager(cfg.MQTT, cfg.Namespace, names),
		valkey: valkey.NewManager(cfg.Valkey, cfg.Namespace),
		kafka:  kafka.NewManager(cfg.Kafka, cfg.Namespace),
	}
	g.mqtt.SetWriteHandler(pm.WriteValue)
	for _, p := range g.mqtt.List() {
		pm.AddSink(p)
	}
	for _, p := range g.valkey.List() {
		pm.AddSink(p)
	}
	for _, p := range g.kafka.List() {
		pm.AddSink(p)
	}
	if withAPI && cfg.API.Enabled {
		g.hub = api.NewHub()
		pm.AddSink(g.hub)
		g.api = api.NewServer(pm, &cfg.API, g.hub)
	}
	return g, nil
}

func (g *gateway) start(ctx context.Context, logf func(string, ...interface{})) error {
	if n := g.mqtt.StartAll(); len(g.mqtt.List()) > 0 {
		logf("MQTT: %d of %d brokers connected", n, len(g.mqtt.List()))
	}
	if n := g.valkey.StartAll(); len(g.valkey.List()) > 0 {
		logf("Valkey: %d of %d servers connected", n, len(g.valkey.List()))
	}
	if n := g.kafka.ConnectAll(ctx); len(g.kafka.List()) > 0 {
		logf("Kafka: %d of %d clusters connected", n, len(g.kafka.List()))
	}
	if g.api != nil {
		if err := g.api.Start(); err != nil {
			return err
		}
		logf("REST API listening on %s", g.api.Address())
	}
	g.poller.Start()
	logf("Polling %d connections", len(g.poller.Connections()))
	return nil
}

// stop shuts down in reverse order so the last changes reach the sinks.
func (g *gateway) stop() {
	g.poller.Stop()
	if g.api != nil {
		g.api.Stop()
	}
	g.kafka.DisconnectAll()
	g.valkey.StopAll()
	g.mqtt.StopAll()
}

func runServe(global *globalFlags, flags *serveFlags, l *logs) error {
	cfg, err := config.Load(global.configPath)
	if err != nil {
		return wrapConfigError(err, global.configPath)
	}
	if flags.httpHost != "" {
		cfg.API.Host = flags.httpHost
	}
	if flags.httpPort != 0 {
		cfg.API.Port = flags.httpPort
	}
	if err := cfg.Validate(); err != nil {
		return wrapConfigError(err, global.configPath)
	}
	openLogs(cfg.LogFile, cfg.DebugLog, cfg.DebugFilter, l)

	logf := func(format string, args ...interface{}) {
		fmt.Printf(format+"\n", args...)
		l.Printf(format, args...)
	}

	g, err := buildGateway(cfg, !flags.noAPI)
	if err != nil {
		return wrapConfigError(err, global.configPath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = g.start(ctx, logf)
	cancel()
	if err != nil {
		g.stop()
		return err
	}

	fmt.Println("Running. Press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logf("Received %v, shutting down...", sig)

	done := make(chan struct{})
	go func() {
		g.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logf("Shutdown timed out")
	case <-sigChan:
		logf("Forced exit")
	}
	return nil
}
