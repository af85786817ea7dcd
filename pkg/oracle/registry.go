// Package oracle implements the Oracle Run Orchestrator and the suite
// registry. Suites are versioned, hashed sets of oracle definitions,
// used by reference and pinned at run start. The orchestrator detects
// the four integrity conditions — ORACLE_TAMPER, ORACLE_GAP,
// ORACLE_FLAKE, ORACLE_ENV_MISMATCH — all stop-the-line and
// non-waivable.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

var (
	// ErrUnknownSuite reports a suite id absent from the registry.
	ErrUnknownSuite = errors.New("unknown oracle suite")

	// ErrNonDeterministicRequired reports a required oracle not
	// declared deterministic. Non-deterministic checks must be
	// advisory or routed to a portal.
	ErrNonDeterministicRequired = errors.New("required oracle must be deterministic")

	// ErrSuiteHalted reports a suite under an unresolved tamper halt.
	// The only resolutions are restart under the new pin or an
	// explicit human rebase.
	ErrSuiteHalted = errors.New("oracle suite halted pending rebase")
)

// suiteSchema validates the structural shape of a suite document
// before any policy check runs.
const suiteSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["suite_id", "version", "oracles"],
  "properties": {
    "suite_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "oracles": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["oracle_id", "classification", "command"],
        "properties": {
          "oracle_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "classification": {"enum": ["REQUIRED", "ADVISORY"]},
          "deterministic": {"type": "boolean"},
          "command": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "timeout": {"type": "integer", "minimum": 0},
          "retries": {"type": "integer", "minimum": 0}
        }
      }
    },
    "environment": {"type": "object"}
  }
}`

// Registry holds registered suite definitions and their halt state.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]contracts.OracleSuite
	halted map[string]contracts.IntegrityCondition
	schema *jsonschema.Schema
}

func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://loopgate.schemas.local/oracle-suite.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(suiteSchema)); err != nil {
		return nil, fmt.Errorf("load suite schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile suite schema: %w", err)
	}
	return &Registry{
		suites: make(map[string]contracts.OracleSuite),
		halted: make(map[string]contracts.IntegrityCondition),
		schema: compiled,
	}, nil
}

// RegisterSuite validates, hashes, and records a suite definition.
// Policy checks at registration time: the document must match the
// suite schema, the version must be semver, and every required oracle
// must declare itself deterministic.
func (r *Registry) RegisterSuite(ctx context.Context, suite contracts.OracleSuite) (contracts.SuiteRef, error) {
	doc, err := suiteDocument(suite)
	if err != nil {
		return contracts.SuiteRef{}, err
	}
	if err := r.schema.Validate(doc); err != nil {
		return contracts.SuiteRef{}, fmt.Errorf("suite %s: %w", suite.SuiteID, err)
	}
	if _, err := semver.StrictNewVersion(suite.Version); err != nil {
		return contracts.SuiteRef{}, fmt.Errorf("suite %s version %q: %w", suite.SuiteID, suite.Version, err)
	}
	for _, o := range suite.Oracles {
		if o.Classification == contracts.OracleRequired && !o.Deterministic {
			return contracts.SuiteRef{}, fmt.Errorf("suite %s oracle %s: %w",
				suite.SuiteID, o.OracleID, ErrNonDeterministicRequired)
		}
	}

	hash, err := suiteHash(suite)
	if err != nil {
		return contracts.SuiteRef{}, err
	}
	suite.Hash = hash

	r.mu.Lock()
	r.suites[suite.SuiteID] = suite
	r.mu.Unlock()

	return contracts.SuiteRef{SuiteID: suite.SuiteID, Hash: hash}, nil
}

// PinSuite returns a reference pinning the suite's current hash.
// Pinned refs are what runs execute against; tamper is a divergence
// between the pin and the live hash.
func (r *Registry) PinSuite(suiteID string) (contracts.SuiteRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if halt, ok := r.halted[suiteID]; ok {
		return contracts.SuiteRef{}, fmt.Errorf("suite %s (%s): %w", suiteID, halt.Code, ErrSuiteHalted)
	}
	suite, ok := r.suites[suiteID]
	if !ok {
		return contracts.SuiteRef{}, fmt.Errorf("%s: %w", suiteID, ErrUnknownSuite)
	}
	return contracts.SuiteRef{SuiteID: suiteID, Hash: suite.Hash}, nil
}

// Resolve returns the live suite definition for a pinned ref without
// checking the pin. Callers compare hashes themselves.
func (r *Registry) Resolve(suiteID string) (contracts.OracleSuite, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	suite, ok := r.suites[suiteID]
	if !ok {
		return contracts.OracleSuite{}, fmt.Errorf("%s: %w", suiteID, ErrUnknownSuite)
	}
	return suite, nil
}

// LiveHash returns the current hash of a suite's definition.
func (r *Registry) LiveHash(suiteID string) (contracts.ContentHash, error) {
	suite, err := r.Resolve(suiteID)
	if err != nil {
		return "", err
	}
	return suite.Hash, nil
}

// Halt marks a suite stopped under an integrity condition. Pinning is
// refused until a rebase lifts the halt.
func (r *Registry) Halt(suiteID string, condition contracts.IntegrityCondition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.halted[suiteID]; !ok {
		r.halted[suiteID] = condition
	}
}

// Halted returns the halt condition for a suite, if any.
func (r *Registry) Halted(suiteID string) (contracts.IntegrityCondition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.halted[suiteID]
	return c, ok
}

// RebaseSuite registers a new suite definition under an explicit human
// decision and lifts any halt. This is the only path out of a tamper
// halt besides restarting under the new pin.
func (r *Registry) RebaseSuite(ctx context.Context, suite contracts.OracleSuite, decidedBy contracts.ActorID) (contracts.SuiteRef, error) {
	if !decidedBy.IsHuman() {
		return contracts.SuiteRef{}, fmt.Errorf("rebase of suite %s: %w", suite.SuiteID, contracts.ErrNotHumanActor)
	}
	ref, err := r.RegisterSuite(ctx, suite)
	if err != nil {
		return contracts.SuiteRef{}, err
	}

	r.mu.Lock()
	delete(r.halted, suite.SuiteID)
	r.mu.Unlock()
	return ref, nil
}

// suiteHash content-addresses the suite definition, excluding the
// hash field itself.
func suiteHash(suite contracts.OracleSuite) (contracts.ContentHash, error) {
	unsealed := suite
	unsealed.Hash = ""
	hash, err := canonicalize.CanonicalHash(unsealed)
	if err != nil {
		return "", fmt.Errorf("hash suite %s: %w", suite.SuiteID, err)
	}
	return hash, nil
}

// suiteDocument renders the suite as the generic document shape the
// schema validates.
func suiteDocument(suite contracts.OracleSuite) (any, error) {
	raw, err := canonicalize.JCS(suite)
	if err != nil {
		return nil, fmt.Errorf("serialize suite %s: %w", suite.SuiteID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode suite %s: %w", suite.SuiteID, err)
	}
	return doc, nil
}
