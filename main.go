package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/mimosa/cmd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", cmd.DefaultConfigPath, "Configuration file")
		startFlags.StringVar(configFile, "c", cmd.DefaultConfigPath, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := cmd.DefaultConfigPath
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("mimosa %s\n", cmd.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Usage: mimosa <command> [options]

Commands:
  start     Run the defense orchestrator
  check     Validate a configuration file
  version   Print the version
  help      Show this help

Options for start:
  -config, -c <file>   Configuration file (default ` + cmd.DefaultConfigPath + `)

Options for check:
  -verbose, -v         Print the full effective configuration
`)
}
