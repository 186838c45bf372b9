package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

type readResult struct {
	Address string      `json:"address"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value,omitempty"`
	Raw     string      `json:"raw,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func newReadCmd(global *globalFlags) *cobra.Command {
	flags := &plcFlags{}

	cmd := &cobra.Command{
		Use:   "read <address>...",
		Short: "Read one or more addresses from a PLC",
		Long: `Read addresses from a PLC and print the decoded values.

The type is inferred from the address (DBW is WORD, DBD is DWORD, DBX is BOOL,
[n] is n raw bytes) and can be overridden with --type for every address.`,
		Example: `  # Read a word and a bit from an S7-300 in slot 2
  s7connector read --plc 192.168.0.10 DB1.DBW2 DB1.DBX0.3

  # Read a REAL from an S7-1500 and print JSON
  s7connector read --plc 192.168.0.20 --family S7-1500 --slot 1 --type REAL DB5.DBD8 -o json

  # Read 16 raw bytes using a connection from the config file
  s7connector read -c press "DB10.0[16]"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd.Context(), global, flags, args, os.Stdout)
		},
	}
	flags.register(cmd)
	return cmd
}

func runRead(ctx context.Context, global *globalFlags, flags *plcFlags, args []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := flags.checkOutput(); err != nil {
		return err
	}
	addrs := make([]*s7.Address, len(args))
	for i, a := range args {
		addr, err := flags.target(a)
		if err != nil {
			return wrapPLCError(err, "Read", a)
		}
		addrs[i] = addr
	}
	cc, err := flags.resolve(global.configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := dial(ctx, cc)
	if err != nil {
		return err
	}
	defer client.Close()

	results := make([]readResult, len(addrs))
	failed := 0
	for i, addr := range addrs {
		r := readResult{Address: addr.String(), Type: addr.Type.String()}
		data, err := client.ReadRef(ctx, addr.Ref())
		if err != nil {
			r.Error = wrapPLCError(err, "Read "+addr.String(), cc.Address).Error()
			failed++
		} else {
			r.Raw = strings.ToUpper(hex.EncodeToString(data))
			if v, err := s7.NewValue(addr, data).GoValue(); err == nil {
				r.Value = v
			} else {
				r.Error = err.Error()
			}
		}
		results[i] = r
	}

	if flags.output == "json" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
	} else {
		for _, r := range results {
			if r.Error != "" && r.Raw == "" {
				fmt.Fprintf(out, "%s: %s\n", r.Address, r.Error)
				continue
			}
			fmt.Fprintf(out, "%s %s = %v (raw %s)\n", r.Address, r.Type, formatValue(r.Value), r.Raw)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reads failed", failed, len(results))
	}
	return nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case nil:
		return "?"
	default:
		return fmt.Sprint(x)
	}
}
