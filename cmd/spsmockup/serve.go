package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/sps-mockup/internal/config"
	"github.com/edgeo-scada/sps-mockup/internal/exporter"
	"github.com/edgeo-scada/sps-mockup/modbus"
	"github.com/edgeo-scada/sps-mockup/sps"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "run"},
	Short:   "Run the Modbus server and the SPS simulation",
	Long: `Serve the SPS register block over Modbus TCP and run the simulation loop.

After the start delay both zones are seeded with their initial values and the
simulation ticks every period: setpoints from the write zone are mirrored into
the feedback zone, telemetry values are restored and the heartbeat register is
checked and cleared. Two consecutive ticks without a pulse mark the SCADA
heartbeat as absent.

The process stops on SIGINT or SIGTERM.`,
	Example: `  spsmockup serve
  spsmockup serve -l :502 --period 1s --start-delay 0s
  spsmockup serve --status-field RO_SPARE_25 --metrics-listen :9102
  SPS_SIMULATION_PERIOD=500ms spsmockup serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen", "l", fmt.Sprintf(":%d", modbus.DefaultPort), "Modbus TCP listen address")
	f.Bool("zero-mode", true, "Protocol address N is register N (false: register N+1)")
	f.Int("max-connections", 100, "Maximum concurrent client connections")
	f.Duration("read-timeout", 0, "Close connections idle for this long (0 disables)")
	f.Bool("identity", true, "Answer device identification requests (FC43/14, FC17)")

	f.DurationP("period", "p", sps.DefaultPeriod, "Simulation tick period")
	f.Duration("start-delay", sps.DefaultStartDelay, "Delay before the zones are seeded")
	f.Int("heartbeat-limit", sps.DefaultHeartbeatLimit, "Ticks without a pulse before the heartbeat is absent")
	f.Bool("clear-heartbeat", true, "Reset the heartbeat register after each tick")
	f.String("status-field", "", "Feedback field receiving the heartbeat state (1 present, 0 absent)")

	f.String("metrics-listen", "", "Prometheus listen address (empty disables)")
	f.String("metrics-path", "/metrics", "Prometheus metrics path")

	cobra.CheckErr(config.BindFlags(v, f, map[string]string{
		"listen":          "listen",
		"zero-mode":       "registers.zero_mode",
		"max-connections": "server.max_connections",
		"read-timeout":    "server.read_timeout",
		"identity":        "identity.enabled",
		"period":          "simulation.period",
		"start-delay":     "simulation.start_delay",
		"heartbeat-limit": "simulation.heartbeat_limit",
		"clear-heartbeat": "simulation.clear_heartbeat",
		"status-field":    "simulation.status_field",
		"metrics-listen":  "metrics.listen",
		"metrics-path":    "metrics.path",
	}))
}

func runServe(cmd *cobra.Command, args []string) error {
	schema, err := cfg.LoadSchema()
	if err != nil {
		return err
	}

	store, err := modbus.NewRegisterStore(cfg.Registers.Base, cfg.Registers.Count, cfg.StoreOptions()...)
	if err != nil {
		return err
	}
	sim, err := sps.New(store, schema, cfg.SimulatorOptions(logger.With(slog.String("component", "simulation")))...)
	if err != nil {
		return err
	}
	server := modbus.NewServer(store, cfg.ServerOptions(logger.With(slog.String("component", "modbus")))...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServeContext(ctx, cfg.Listen)
	})
	g.Go(func() error {
		return sim.Run(ctx)
	})
	if cfg.Metrics.Listen != "" {
		reg := exporter.NewRegistry(exporter.NewCollector(server, sim, logger))
		g.Go(func() error {
			return exporter.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger)
		})
	}

	logger.Info("sps mockup started",
		slog.String("version", version),
		slog.String("listen", cfg.Listen),
		slog.Int("base", int(cfg.Registers.Base)),
		slog.Int("count", cfg.Registers.Count),
		slog.Bool("zero_mode", cfg.Registers.ZeroMode),
		slog.Duration("period", cfg.Simulation.Period),
		slog.Duration("start_delay", cfg.Simulation.StartDelay))

	started := time.Now()
	err = g.Wait()
	logStopped(server, sim, time.Since(started))
	if err != nil && !isShutdown(ctx, err) {
		return err
	}
	return nil
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, modbus.ErrServerClosed))
}

func logStopped(server *modbus.Server, sim *sps.Simulator, uptime time.Duration) {
	st := sim.Status()
	m := server.Metrics()
	logger.Info("sps mockup stopped",
		slog.Uint64("ticks", st.Ticks),
		slog.Bool("heartbeat_present", st.Present),
		slog.Int64("requests", m.RequestsTotal.Value()),
		slog.Int64("exceptions", m.Exceptions.Value()),
		slog.Int64("connections", m.TotalConns.Value()),
		slog.Duration("uptime", uptime.Round(time.Second)))
}
