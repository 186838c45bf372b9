// s7connector reads and writes Siemens S7 PLCs over ISO-on-TCP and runs a
// polling gateway that republishes data blocks to MQTT, Valkey and Kafka.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/mqtt"
)

// Version is set at build time via -ldflags
var Version = "dev"

type globalFlags struct {
	configPath string
	logFile    string
	logDebug   string
	debugFile  string
}

// logs holds the loggers opened in PersistentPreRunE.
type logs struct {
	file  *logging.FileLogger
	debug *logging.DebugLogger
}

func (l *logs) Printf(format string, args ...interface{}) {
	if l.file != nil {
		l.file.Printf(format, args...)
	}
}

func (l *logs) Close() {
	if l.debug != nil {
		logging.SetGlobalDebugLogger(nil)
		l.debug.Close()
	}
	if l.file != nil {
		l.file.Close()
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	l := &logs{}

	rootCmd := &cobra.Command{
		Use:     "s7connector",
		Short:   "Siemens S7 client and polling gateway",
		Version: Version,
		Long: `s7connector talks to Siemens S7 PLCs (S7-200 through S7-1500) over
ISO-on-TCP. It reads and writes data blocks, flags, inputs, outputs, timers
and counters from the command line, and as a service polls configured blocks
and republishes changes to MQTT, Valkey and Kafka with a REST API alongside.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debugFile, filter := "", ""
			if flags.logDebug != "" {
				debugFile, filter = flags.debugFile, flags.logDebug
			}
			openLogs(flags.logFile, debugFile, filter, l)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			l.Close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath(), "Path to configuration file")
	pf.StringVar(&flags.logFile, "log", "", "Path to log file (optional)")
	pf.StringVar(&flags.logDebug, "log-debug", "", "Enable debug logging, optionally filtered: s7,poller,mqtt,valkey,kafka,api")
	pf.Lookup("log-debug").NoOptDefVal = "all"
	pf.StringVar(&flags.debugFile, "debug-file", "debug.log", "Debug log destination")

	rootCmd.AddCommand(newReadCmd(flags))
	rootCmd.AddCommand(newWriteCmd(flags))
	rootCmd.AddCommand(newServeCmd(flags, l))
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newBenchCmd(flags))
	return rootCmd
}

// openLogs opens the general and debug logs. Failures are reported as
// warnings; the command runs without the log.
func openLogs(logFile, debugFile, filter string, l *logs) {
	if logFile != "" && l.file == nil {
		fl, err := logging.NewFileLogger(logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			l.file = fl
			mqtt.SetLogger(fl.WithPrefix("mqtt"))
		}
	}
	if debugFile != "" && l.debug == nil {
		dl, err := logging.NewDebugLogger(debugFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			return
		}
		if filter == "all" || filter == "true" || filter == "1" {
			filter = ""
		}
		dl.SetFilter(filter)
		logging.SetGlobalDebugLogger(dl)
		l.debug = dl
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
