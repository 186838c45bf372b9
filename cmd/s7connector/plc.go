package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/poller"
	"github.com/Bucher-Unipektin/s7connector/s7"
)

// plcFlags selects a PLC either by name from the configuration or by
// address on the command line.
type plcFlags struct {
	connection string
	address    string
	port       int
	family     string
	connType   string
	rack       int
	slot       int
	timeout    time.Duration
	dataType   string
	output     string
}

func (f *plcFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.connection, "connection", "c", "", "Connection name from the configuration file")
	fl.StringVar(&f.address, "plc", "", "PLC IP address or hostname")
	fl.IntVar(&f.port, "port", 0, "TCP port (default 102)")
	fl.StringVar(&f.family, "family", "", "PLC family: S7-200, S7-300, S7-400, S7-1200, S7-1500, S7-200SMART (default S7-300/400)")
	fl.StringVar(&f.connType, "conn-type", "", "Connection type: PG, OP, BASIC or 1-10 (default PG)")
	fl.IntVar(&f.rack, "rack", 0, "Rack number")
	fl.IntVar(&f.slot, "slot", 2, "Slot number")
	fl.DurationVar(&f.timeout, "timeout", 0, "I/O timeout (default 5s)")
	fl.StringVarP(&f.dataType, "type", "t", "", "Data type override: BOOL, BYTE, WORD, INT, DWORD, DINT, REAL, LREAL, LINT, STRING, RAW")
	fl.StringVarP(&f.output, "output", "o", "text", "Output format: text|json")
}

// resolve returns the connection settings. --plc wins over --connection.
func (f *plcFlags) resolve(configPath string) (config.ConnectionConfig, error) {
	if f.address != "" {
		cc := config.ConnectionConfig{
			Name:     f.address,
			Address:  f.address,
			Port:     f.port,
			Family:   f.family,
			ConnType: f.connType,
			Rack:     f.rack,
			Slot:     f.slot,
			Timeout:  f.timeout,
			Enabled:  true,
		}
		_, err := cc.Options()
		return cc, err
	}
	if f.connection == "" {
		return config.ConnectionConfig{}, fmt.Errorf("either --plc or --connection is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.ConnectionConfig{}, wrapConfigError(err, configPath)
	}
	cc := cfg.FindConnection(f.connection)
	if cc == nil {
		return config.ConnectionConfig{}, fmt.Errorf("connection %q not found in %s", f.connection, configPath)
	}
	return *cc, nil
}

// target parses an address argument and applies --type.
func (f *plcFlags) target(address string) (*s7.Address, error) {
	pc := config.PollConfig{Name: "cli", Address: address, Type: f.dataType}
	return pc.Target()
}

func (f *plcFlags) checkOutput() error {
	if f.output != "text" && f.output != "json" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", f.output)
	}
	return nil
}

// dial connects to the PLC described by cc.
func dial(ctx context.Context, cc config.ConnectionConfig) (poller.Client, error) {
	c, err := poller.DialS7(ctx, &cc)
	if err != nil {
		return nil, wrapPLCError(err, "Connect", cc.Address)
	}
	return c, nil
}
