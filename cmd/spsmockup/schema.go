package main

import (
	"os"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the active register map",
	Long: `Print the register map used by serve, probe and heartbeat: the built-in SPS
map or the file given with --schema. With -o yaml the output is a valid
schema file and can be edited and passed back with --schema.`,
	Example: `  spsmockup schema
  spsmockup schema -o yaml > sps.yaml
  spsmockup serve --schema sps.yaml`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	schema, err := cfg.LoadSchema()
	if err != nil {
		return err
	}

	if outputFmt == "yaml" {
		data, err := schema.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	mirrored := mirroredFields(schema)
	write := zoneRows("write", &schema.Write, nil, mirrored)
	feedback := zoneRows("feedback", &schema.Feedback, nil, mirrored)

	if outputFmt == "json" {
		return printJSON(map[string]any{
			"heartbeat": schema.Heartbeat,
			"write":     write,
			"feedback":  feedback,
		})
	}

	outputZonesTable("Register map (initial values)", write, feedback)
	outputInfo("Heartbeat field: %s", schema.Heartbeat)
	return nil
}
