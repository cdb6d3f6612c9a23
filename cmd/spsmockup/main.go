// Package main provides spsmockup, a Modbus TCP stand-in for an SPS process
// controller.
package main

import (
	"os"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		outputError("%v", err)
		os.Exit(1)
	}
}
