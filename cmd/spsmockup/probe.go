package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/sps-mockup/sps"
)

var probeCmd = &cobra.Command{
	Use:     "probe",
	Aliases: []string{"p", "read"},
	Short:   "Read both zones of a running mockup",
	Long: `Read the write and feedback zones of a running mockup over Modbus TCP and
print every named field. Mirrored fields are highlighted.

With simulation.status_field configured the heartbeat state published by the
mockup is reported as well.`,
	Example: `  spsmockup probe
  spsmockup probe -a 192.168.1.50:5020 -o json`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

// ProbeResult is the machine readable probe output.
type ProbeResult struct {
	Address          string     `json:"address" yaml:"address"`
	HeartbeatPresent *bool      `json:"heartbeat_present,omitempty" yaml:"heartbeat_present,omitempty"`
	Write            []FieldRow `json:"write" yaml:"write"`
	Feedback         []FieldRow `json:"feedback" yaml:"feedback"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	schema, err := cfg.LoadSchema()
	if err != nil {
		return err
	}

	remote, err := dialMockup(cfg.Client, cfg.Registers.ZeroMode)
	if err != nil {
		return err
	}
	defer remote.Close()

	snap, err := sps.ReadSnapshot(remote, schema)
	if err != nil {
		return fmt.Errorf("probe %s: %w", cfg.Client.Address, err)
	}

	mirrored := mirroredFields(schema)
	result := ProbeResult{
		Address:  cfg.Client.Address,
		Write:    zoneRows("write", &schema.Write, snap.Write, mirrored),
		Feedback: zoneRows("feedback", &schema.Feedback, snap.Feedback, mirrored),
	}
	if name := cfg.Simulation.StatusField; name != "" {
		if v, ok := snap.Feedback[name]; ok {
			present := v != 0
			result.HeartbeatPresent = &present
		}
	}

	switch outputFmt {
	case "json":
		return printJSON(result)
	case "yaml":
		return printYAML(result)
	}

	outputZonesTable(fmt.Sprintf("SPS mockup at %s", result.Address), result.Write, result.Feedback)
	if result.HeartbeatPresent != nil {
		if *result.HeartbeatPresent {
			outputSuccess("Heartbeat present")
		} else {
			outputWarning("Heartbeat absent")
		}
	}
	return nil
}
