package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/sps-mockup/internal/config"
)

var (
	cfgFile   string
	outputFmt string
	noColor   bool

	v      = config.New()
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spsmockup",
	Short: "Modbus TCP mockup of an SPS process controller",
	Long: `spsmockup stands in for an SPS process controller on a Modbus TCP network.

The serve command exposes 64 holding registers from 32001. A SCADA client
writes setpoints and a heartbeat pulse into the write zone (32001-32032).
Every simulation tick the mockup copies the setpoints into the feedback zone
(32033-32064), restores the fixed telemetry values and tracks whether the
heartbeat is still being pulsed.

Configuration is read from spsmockup.yaml (working directory or
/etc/spsmockup), SPS_* environment variables and flags, in increasing
order of precedence.

Examples:
  # Run the mockup on the default port
  spsmockup serve

  # Tick every second and publish Prometheus metrics
  spsmockup serve --period 1s --metrics-listen :9102

  # Show both zones of a running mockup
  spsmockup probe -a 192.168.1.50:5020

  # Keep the heartbeat alive
  spsmockup heartbeat -a 192.168.1.50:5020 -i 2s`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(v, cfgFile); err != nil {
			return err
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		if logger, err = c.Log.NewLogger(cmd.ErrOrStderr()); err != nil {
			return err
		}
		slog.SetDefault(logger)
		cfg = c

		if f := v.ConfigFileUsed(); f != "" {
			logger.Debug("using config file", slog.String("file", f))
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Configuration
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./spsmockup.yaml or /etc/spsmockup/spsmockup.yaml)")
	pf.String("schema", "", "register map YAML (default: built-in SPS map)")

	// Client flags for probe and heartbeat
	pf.StringP("address", "a", "localhost:5020", "Mockup address host:port")
	pf.Uint8P("unit", "u", 1, "Modbus unit ID")
	pf.DurationP("timeout", "t", 5*time.Second, "Client timeout")

	// Output flags
	pf.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	pf.BoolVar(&noColor, "no-color", false, "Disable color output")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text, json")

	cobra.CheckErr(config.BindFlags(v, pf, map[string]string{
		"schema":     "schema",
		"address":    "client.address",
		"unit":       "client.unit",
		"timeout":    "client.timeout",
		"log-level":  "log.level",
		"log-format": "log.format",
	}))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(schemaCmd)
}
