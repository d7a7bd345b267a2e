package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	fleet "github.com/podfleet/fleet"
)

func main() {
	var cmd FleetCommand

	cmd.Version = func() {
		fmt.Printf("fleetd %s\n", fleet.Version)
		os.Exit(0)
	}

	parser := flags.NewParser(&cmd, flags.HelpFlag|flags.PassDoubleDash)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	handleError(err)

	if err := cmd.Execute(nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func handleError(err error) {
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
