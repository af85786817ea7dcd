package contracts

import "fmt"

// IntegrityCode names a defect in verification evidence itself. All
// integrity conditions are stop-the-line and can never be waived; the
// only resolutions are a restart under a new pin or an explicit human
// rebase decision.
type IntegrityCode string

const (
	// IntegrityTamper: suite definition hash diverged from the hash
	// pinned at run start.
	IntegrityTamper IntegrityCode = "ORACLE_TAMPER"
	// IntegrityGap: a required oracle has no recorded result.
	IntegrityGap IntegrityCode = "ORACLE_GAP"
	// IntegrityFlake: a required oracle produced differing results
	// across repeated runs under identical declared environment.
	IntegrityFlake IntegrityCode = "ORACLE_FLAKE"
	// IntegrityEnvMismatch: declared environment constraints violated.
	IntegrityEnvMismatch IntegrityCode = "ORACLE_ENV_MISMATCH"
	// IntegrityEvidenceMissing: referenced evidence content is
	// unavailable in the store.
	IntegrityEvidenceMissing IntegrityCode = "EVIDENCE_MISSING"
)

// IntegrityCondition is a detected integrity defect with the metadata
// needed for audit and resolution.
type IntegrityCondition struct {
	Code     IntegrityCode `json:"code"`
	SuiteID  string        `json:"suite_id,omitempty"`
	OracleID string        `json:"oracle_id,omitempty"`
	Expected string        `json:"expected,omitempty"`
	Actual   string        `json:"actual,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

func (c IntegrityCondition) String() string {
	switch c.Code {
	case IntegrityTamper:
		return fmt.Sprintf("%s: suite %s hash mismatch, pinned %s got %s", c.Code, c.SuiteID, c.Expected, c.Actual)
	case IntegrityGap:
		return fmt.Sprintf("%s: suite %s missing required result %s", c.Code, c.SuiteID, c.OracleID)
	case IntegrityFlake:
		return fmt.Sprintf("%s: oracle %s non-deterministic, %s vs %s", c.Code, c.OracleID, c.Expected, c.Actual)
	case IntegrityEnvMismatch:
		return fmt.Sprintf("%s: constraint %s expected %s got %s", c.Code, c.Detail, c.Expected, c.Actual)
	default:
		return fmt.Sprintf("%s: %s", c.Code, c.Detail)
	}
}

// StopTrigger maps the condition to its governor trigger.
func (c IntegrityCondition) StopTrigger() StopTrigger {
	switch c.Code {
	case IntegrityTamper:
		return TriggerOracleTamper
	case IntegrityGap, IntegrityEvidenceMissing:
		return TriggerOracleGap
	case IntegrityFlake:
		return TriggerOracleFlake
	default:
		return TriggerOracleEnvMismatch
	}
}
