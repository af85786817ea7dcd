// Package gate implements the Gate Evaluator: the pure computation of
// a verification verdict from an evidence bundle and a waiver set.
// Evaluation has no side effects and is idempotent; callers persist
// the verdict.
package gate

import (
	"fmt"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// Evaluator computes gate verdicts.
type Evaluator struct {
	scopes *ScopeEvaluator
	clock  func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock injects a clock, for tests. The clock only feeds waiver
// expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) { e.clock = clock }
}

func NewEvaluator(options ...Option) (*Evaluator, error) {
	scopes, err := NewScopeEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{scopes: scopes, clock: time.Now}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// Evaluate computes the verdict for an evidence bundle under a waiver
// set. The algorithm:
//
//	VERIFIED_STRICT          iff every required result is PASS and no
//	                         integrity condition is open.
//	VERIFIED_WITH_EXCEPTIONS iff every required FAIL is individually
//	                         covered by an in-scope, unexpired waiver
//	                         that enumerates exactly that oracle.
//	BLOCKED                  otherwise — and always when an integrity
//	                         condition is open, regardless of waivers.
func (e *Evaluator) Evaluate(bundle *contracts.EvidenceManifest, requiredOracles []string, waivers []contracts.Exception, attrs CandidateAttrs) (contracts.GateVerdict, error) {
	verdict := contracts.GateVerdict{EvidenceRef: bundle.ContentHash}

	// Integrity conditions force BLOCKED. Waivers never apply to them.
	if bundle.HasOpenIntegrityCondition() {
		verdict.Status = contracts.Blocked
		for _, c := range bundle.Integrity {
			verdict.Blocking = append(verdict.Blocking, string(c.Code))
		}
		return verdict, nil
	}

	now := e.clock()
	var waiverRefs []string
	var blocking []string
	strict := true

	for _, oracleID := range requiredOracles {
		result, ok := bundle.ResultFor(oracleID)
		if !ok || result.Status == contracts.OracleError {
			// A missing required result is an integrity gap; it should
			// have been recorded upstream, but the gate never lets it
			// pass silently.
			verdict.Status = contracts.Blocked
			verdict.Blocking = []string{string(contracts.IntegrityGap)}
			verdict.WaiverRefs = nil
			return verdict, nil
		}
		if result.Status == contracts.OraclePass {
			continue
		}
		strict = false

		waiver, err := e.coveringWaiver(oracleID, waivers, attrs, now)
		if err != nil {
			return contracts.GateVerdict{}, err
		}
		if waiver == "" {
			blocking = append(blocking, oracleID)
			continue
		}
		waiverRefs = append(waiverRefs, waiver)
	}

	switch {
	case len(blocking) > 0:
		verdict.Status = contracts.Blocked
		verdict.Blocking = blocking
	case strict:
		verdict.Status = contracts.VerifiedStrict
	default:
		verdict.Status = contracts.VerifiedWithExceptions
		verdict.WaiverRefs = waiverRefs
	}
	return verdict, nil
}

// coveringWaiver finds a waiver that enumerates the oracle, is in
// scope for the candidate, and has not expired. Expired or
// out-of-scope waivers never count.
func (e *Evaluator) coveringWaiver(oracleID string, waivers []contracts.Exception, attrs CandidateAttrs, now time.Time) (string, error) {
	for i := range waivers {
		w := &waivers[i]
		if w.Kind != contracts.ExceptionWaiver {
			continue
		}
		if err := w.Validate(); err != nil {
			return "", fmt.Errorf("waiver %s rejected: %w", w.ID, err)
		}
		if !w.Covers(oracleID) || w.Expired(now) {
			continue
		}
		inScope, err := e.scopes.InScope(w.Scope, attrs)
		if err != nil {
			return "", fmt.Errorf("waiver %s scope: %w", w.ID, err)
		}
		if inScope {
			return w.ID, nil
		}
	}
	return "", nil
}
