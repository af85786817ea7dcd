package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. No arguments starts the daemon.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "directives":
		return runDirectives(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "loopgate - loop governance engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  loopgate [serve]         start the daemon")
	fmt.Fprintln(w, "  loopgate replay          rebuild projections from the event log and print a summary")
	fmt.Fprintln(w, "  loopgate directives      validate the directive directory")
	fmt.Fprintln(w, "  loopgate help            show this help")
}
