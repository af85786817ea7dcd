package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// RepeatedFailureFloor is the lowest permitted consecutive-failure
// threshold. Directives asking for less are clamped up, never rejected.
const RepeatedFailureFloor = 3

// Duration decodes YAML durations written as Go duration strings
// ("4h", "90s") or bare nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// BudgetSpec is the YAML shape of loop budgets.
type BudgetSpec struct {
	MaxIterations uint32   `yaml:"max_iterations" json:"max_iterations"`
	MaxOracleRuns uint32   `yaml:"max_oracle_runs" json:"max_oracle_runs"`
	MaxWallclock  Duration `yaml:"max_wallclock" json:"max_wallclock"`
}

// Directive is the operator-authored charter for a loop: what the loop
// pursues, what it may spend, and which oracle suite judges it.
type Directive struct {
	Name      string                `yaml:"name" json:"name"`
	Goal      string                `yaml:"goal" json:"goal"`
	SuiteID   string                `yaml:"suite_id" json:"suite_id"`
	SuiteHash contracts.ContentHash `yaml:"suite_hash" json:"suite_hash"`
	Budgets   BudgetSpec            `yaml:"budgets" json:"budgets"`

	// RepeatedFailureN is the consecutive no-advance iteration count
	// that triggers a stop. Clamped to RepeatedFailureFloor at load.
	RepeatedFailureN uint32 `yaml:"repeated_failure_n" json:"repeated_failure_n"`

	Oracles OracleDefaults `yaml:"oracles" json:"oracles"`
	Portals []PortalSeed   `yaml:"portals" json:"portals"`
}

// OracleDefaults apply to oracles that do not pin their own values.
type OracleDefaults struct {
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	Retries   int      `yaml:"retries" json:"retries"`
	DoubleRun bool     `yaml:"double_run" json:"double_run"`
}

// LoopBudgets converts the YAML budget spec into the engine type.
func (d *Directive) LoopBudgets() contracts.LoopBudgets {
	return contracts.LoopBudgets{
		MaxIterations: d.Budgets.MaxIterations,
		MaxOracleRuns: d.Budgets.MaxOracleRuns,
		MaxWallclock:  time.Duration(d.Budgets.MaxWallclock),
	}
}

// PortalSeed declares a portal that must exist before the loop's first
// gate evaluation.
type PortalSeed struct {
	ID      string `yaml:"id" json:"id"`
	Purpose string `yaml:"purpose" json:"purpose"`
}

// Validate rejects directives that cannot charter a loop.
func (d *Directive) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("directive has no name")
	}
	if d.Goal == "" {
		return fmt.Errorf("directive %q has no goal", d.Name)
	}
	if d.SuiteID == "" {
		return fmt.Errorf("directive %q names no oracle suite", d.Name)
	}
	if d.Budgets.MaxIterations == 0 && d.Budgets.MaxOracleRuns == 0 && d.Budgets.MaxWallclock == 0 {
		return fmt.Errorf("directive %q declares no budgets", d.Name)
	}
	return nil
}

func (d *Directive) clamp() {
	if d.RepeatedFailureN < RepeatedFailureFloor {
		d.RepeatedFailureN = RepeatedFailureFloor
	}
	if d.Oracles.Timeout <= 0 {
		d.Oracles.Timeout = Duration(5 * time.Minute)
	}
	if d.Oracles.Retries < 0 {
		d.Oracles.Retries = 0
	}
}

// LoadDirective loads a directive YAML by name from the directives
// directory, searching for directive_<name>.yaml.
func LoadDirective(dir, name string) (*Directive, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("directive_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load directive %q: %w", name, err)
	}
	return ParseDirective(data)
}

// ParseDirective decodes, validates, and clamps a directive document.
func ParseDirective(data []byte) (*Directive, error) {
	var d Directive
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse directive: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.clamp()
	return &d, nil
}

// LoadAllDirectives loads every directive_*.yaml in the directory.
func LoadAllDirectives(dir string) (map[string]*Directive, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "directive_*.yaml"))
	if err != nil {
		return nil, err
	}

	directives := make(map[string]*Directive, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		d, err := ParseDirective(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		directives[d.Name] = d
	}
	return directives, nil
}
