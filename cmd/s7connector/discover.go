package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

type discoverFlags struct {
	timeout     time.Duration
	concurrency int
	output      string
}

func newDiscoverCmd() *cobra.Command {
	flags := &discoverFlags{}

	cmd := &cobra.Command{
		Use:   "discover <cidr>",
		Short: "Find S7 PLCs on a subnet",
		Long: `Probe every host in a subnet on TCP port 102. A host counts as a PLC when
the COTP handshake and PDU negotiation succeed; rack 0 slots 0, 1 and 2 are
tried in turn, which covers S7-1200/1500 and S7-300/400 CPUs.`,
		Example: `  # Scan a /24
  s7connector discover 192.168.0.0/24

  # Slow network, JSON output
  s7connector discover 10.10.0.0/22 --timeout 2s -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), flags, args[0], os.Stdout)
		},
	}
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 500*time.Millisecond, "Per-host probe timeout")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 20, "Parallel probes")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "text", "Output format: text|json")
	return cmd
}

func runDiscover(ctx context.Context, flags *discoverFlags, cidr string, out io.Writer) error {
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	devices, err := s7.DiscoverSubnet(ctx, cidr, flags.timeout, flags.concurrency)
	if err != nil {
		return fmt.Errorf("discover %s: %w", cidr, err)
	}
	sort.Slice(devices, func(i, j int) bool {
		return string(devices[i].IP.To16()) < string(devices[j].IP.To16())
	})

	if flags.output == "json" {
		data, err := json.MarshalIndent(devices, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	if len(devices) == 0 {
		fmt.Fprintf(out, "No PLCs found\n")
		return nil
	}
	fmt.Fprintf(out, "Found %d PLC(s):\n\n", len(devices))
	fmt.Fprintf(out, "  %-16s %-6s %-5s %-5s %s\n", "IP", "PORT", "RACK", "SLOT", "PDU")
	for _, d := range devices {
		fmt.Fprintf(out, "  %-16s %-6d %-5d %-5d %d\n", d.IP, d.Port, d.Rack, d.Slot, d.PDUSize)
	}
	return nil
}
