package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

func newWriteCmd(global *globalFlags) *cobra.Command {
	flags := &plcFlags{}

	cmd := &cobra.Command{
		Use:   "write <address> <value>",
		Short: "Write a value to a PLC address",
		Long: `Encode a value for the address type and write it.

Numbers accept decimal, 0x hex and 0b binary forms. RAW addresses take a hex
string ("DEADBEEF" or "de ad be ef"). A BOOL at a bit address is written as
read-modify-write of the byte that holds it.`,
		Example: `  # Write an INT
  s7connector write --plc 192.168.0.10 --type INT DB1.DBW2 -- -5

  # Set a bit
  s7connector write -c press DB1.DBX0.3 true

  # Write four raw bytes
  s7connector write -c press "DB10.0[4]" DEADBEEF`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd.Context(), global, flags, args[0], args[1], os.Stdout)
		},
	}
	flags.register(cmd)
	return cmd
}

func runWrite(ctx context.Context, global *globalFlags, flags *plcFlags, address, value string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := flags.target(address)
	if err != nil {
		return wrapPLCError(err, "Write", address)
	}
	data, err := s7.EncodeAddress(addr, value)
	if err != nil {
		return wrapPLCError(err, "Write "+addr.String(), address)
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

	ref := addr.Ref()
	if addr.Type == s7.TypeBool && addr.Bit >= 0 {
		cur, err := client.ReadRef(ctx, ref)
		if err != nil {
			return wrapPLCError(err, "Read "+addr.String(), cc.Address)
		}
		data = []byte{s7.MergeBit(cur[0], addr.Bit, data[0] != 0)}
	}
	if err := client.WriteRef(ctx, ref, data); err != nil {
		return wrapPLCError(err, "Write "+addr.String(), cc.Address)
	}
	fmt.Fprintf(out, "%s <- %s (% X)\n", addr.String(), value, data)
	return nil
}
