package gate_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/gate"
)

// Evaluate is pure: re-running it on the same bundle and waiver set
// always yields the same verdict.
func TestEvaluateIdempotence(t *testing.T) {
	e, err := gate.NewEvaluator(gate.WithClock(evalClock))
	require.NoError(t, err)

	oracles := []string{"unit-tests", "lint", "vet"}

	statusGen := gen.OneConstOf(contracts.OraclePass, contracts.OracleFail, contracts.OracleError)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("same inputs, same verdict", prop.ForAll(
		func(s1, s2, s3 contracts.OracleResultStatus, waived bool, expired bool, tampered bool) bool {
			b := bundle(
				contracts.EvidenceResult{OracleID: "unit-tests", Status: s1},
				contracts.EvidenceResult{OracleID: "lint", Status: s2},
				contracts.EvidenceResult{OracleID: "vet", Status: s3},
			)
			if tampered {
				b.Integrity = []contracts.IntegrityCondition{{Code: contracts.IntegrityTamper}}
			}
			var waivers []contracts.Exception
			if waived {
				expiry := evalClock().Add(time.Hour)
				if expired {
					expiry = evalClock().Add(-time.Hour)
				}
				waivers = append(waivers, waiver("exc_1", oracles,
					contracts.WaiverScope{CandidateID: candAttrs().ID}, expiry))
			}

			first, err1 := e.Evaluate(b, oracles, waivers, candAttrs())
			second, err2 := e.Evaluate(b, oracles, waivers, candAttrs())
			if err1 != nil || err2 != nil {
				return (err1 == nil) == (err2 == nil)
			}
			return first.Status == second.Status &&
				len(first.WaiverRefs) == len(second.WaiverRefs) &&
				len(first.Blocking) == len(second.Blocking)
		},
		statusGen, statusGen, statusGen, gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
