package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/sps-mockup/sps"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// FieldRow is one named register in listings.
type FieldRow struct {
	Zone     string `json:"zone" yaml:"zone"`
	Name     string `json:"name" yaml:"name"`
	Address  uint16 `json:"address" yaml:"address"`
	Offset   uint16 `json:"offset" yaml:"offset"`
	Value    uint16 `json:"value" yaml:"value"`
	Mirrored bool   `json:"mirrored,omitempty" yaml:"mirrored,omitempty"`
}

// zoneRows lists the fields of a zone by address. values maps field names to
// register values; with a nil map the initial values are listed.
func zoneRows(zone string, z *sps.Zone, values map[string]uint16, mirrored map[string]bool) []FieldRow {
	rows := make([]FieldRow, 0, len(z.Fields))
	for _, f := range z.Fields {
		value := f.Initial
		if values != nil {
			value = values[f.Name]
		}
		rows = append(rows, FieldRow{
			Zone:     zone,
			Name:     f.Name,
			Address:  z.Address + f.Offset,
			Offset:   f.Offset,
			Value:    value,
			Mirrored: mirrored[f.Name],
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return rows
}

func mirroredFields(schema *sps.Schema) map[string]bool {
	m := make(map[string]bool)
	for _, p := range schema.MirrorPairs() {
		m[p.Name] = true
	}
	return m
}

// outputZonesTable prints the write and feedback zones side by side.
func outputZonesTable(title string, write, feedback []FieldRow) {
	fmt.Printf("\n%s\n", color(colorBold, title))
	fmt.Println(strings.Repeat("-", 72))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WRITE\tFIELD\tVALUE\t\tFEEDBACK\tFIELD\tVALUE")
	fmt.Fprintln(w, "-----\t-----\t-----\t\t--------\t-----\t-----")

	n := len(write)
	if len(feedback) > n {
		n = len(feedback)
	}
	for i := 0; i < n; i++ {
		left := "\t\t"
		if i < len(write) {
			left = formatRow(write[i])
		}
		right := "\t\t"
		if i < len(feedback) {
			right = formatRow(feedback[i])
		}
		fmt.Fprintf(w, "%s\t\t%s\n", left, right)
	}
	w.Flush()
	fmt.Println()
}

func formatRow(r FieldRow) string {
	name := r.Name
	if r.Mirrored {
		name = color(colorCyan, name)
	}
	return fmt.Sprintf("%d\t%s\t%d", r.Address, name, r.Value)
}
