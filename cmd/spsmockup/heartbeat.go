package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/sps-mockup/internal/config"
)

var hbCount int

var heartbeatCmd = &cobra.Command{
	Use:     "heartbeat",
	Aliases: []string{"hb", "pulse"},
	Short:   "Pulse the heartbeat register of a running mockup",
	Long: `Write 1 to the heartbeat register every interval, as a SCADA master does.

The mockup marks the heartbeat absent after simulation.heartbeat_limit ticks
without a pulse, so the interval should be shorter than the mockup period.`,
	Example: `  spsmockup heartbeat
  spsmockup heartbeat -a 192.168.1.50:5020 -i 1s -n 10`,
	Args: cobra.NoArgs,
	RunE: runHeartbeat,
}

func init() {
	f := heartbeatCmd.Flags()
	f.DurationP("interval", "i", 2*time.Second, "Pulse interval")
	f.IntVarP(&hbCount, "count", "n", 0, "Number of pulses (0 = until interrupted)")

	cobra.CheckErr(config.BindFlags(v, f, map[string]string{
		"interval": "client.interval",
	}))
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	schema, err := cfg.LoadSchema()
	if err != nil {
		return err
	}
	field, _ := schema.Write.Field(schema.Heartbeat)
	addr := schema.Write.Address + field.Offset

	remote, err := dialMockup(cfg.Client, cfg.Registers.ZeroMode)
	if err != nil {
		return err
	}
	defer remote.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Client.Interval)
	defer ticker.Stop()

	outputInfo("Pulsing %s (register %d) on %s every %s",
		schema.Heartbeat, addr, cfg.Client.Address, cfg.Client.Interval)

	for n := 1; ; n++ {
		if err := remote.Set(addr, []uint16{1}); err != nil {
			return fmt.Errorf("pulse %d: %w", n, err)
		}
		logger.Debug("heartbeat pulse", "n", n, "register", addr)
		if hbCount > 0 && n >= hbCount {
			outputSuccess("Sent %d pulses", n)
			return nil
		}

		select {
		case <-ctx.Done():
			outputSuccess("Sent %d pulses", n)
			return nil
		case <-ticker.C:
		}
	}
}
