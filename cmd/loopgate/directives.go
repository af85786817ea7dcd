package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/Loopgate-Labs/loopgate/pkg/config"
)

// runDirectives loads and validates every directive in the directive
// directory, printing the chartered budgets.
func runDirectives(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("directives", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "directive directory (default from LOOPGATE_DIRECTIVE_DIR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *dir == "" {
		*dir = cfg.DirectiveDir
	}

	directives, err := config.LoadAllDirectives(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "load directives: %v\n", err)
		return 1
	}
	if len(directives) == 0 {
		fmt.Fprintf(stdout, "no directives in %s\n", *dir)
		return 0
	}

	names := make([]string, 0, len(directives))
	for name := range directives {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := directives[name]
		budgets := d.LoopBudgets()
		fmt.Fprintf(stdout, "%s: goal=%q suite=%s iterations=%d oracle_runs=%d wallclock=%s portals=%d\n",
			name, d.Goal, d.SuiteID, budgets.MaxIterations, budgets.MaxOracleRuns,
			budgets.MaxWallclock, len(d.Portals))
	}
	return 0
}
