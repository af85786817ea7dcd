package contracts

import "time"

// OracleClassification declares how an oracle's result is counted.
type OracleClassification string

const (
	// OracleRequired results gate verification. Required oracles must
	// be deterministic.
	OracleRequired OracleClassification = "REQUIRED"
	// OracleAdvisory results are recorded but never block.
	OracleAdvisory OracleClassification = "ADVISORY"
)

// OracleDefinition describes one deterministic evaluator in a suite.
type OracleDefinition struct {
	OracleID       string               `json:"oracle_id"`
	Name           string               `json:"name"`
	Classification OracleClassification `json:"classification"`
	// Deterministic is a declaration checked at registration time:
	// required oracles must declare true or be rejected.
	Deterministic bool          `json:"deterministic"`
	Command       []string      `json:"command"`
	Timeout       time.Duration `json:"timeout"`
	Retries       int           `json:"retries"`
}

// EnvironmentConstraints are the declared execution constraints of a
// suite. A run whose fingerprint violates them raises
// ORACLE_ENV_MISMATCH.
type EnvironmentConstraints struct {
	Runtime     string `json:"runtime,omitempty"`
	OS          string `json:"os,omitempty"`
	Arch        string `json:"arch,omitempty"`
	NetworkMode string `json:"network_mode,omitempty"`
}

// EnvironmentFingerprint is the observed environment of a run.
type EnvironmentFingerprint struct {
	Runtime     string `json:"runtime,omitempty"`
	OS          string `json:"os,omitempty"`
	Arch        string `json:"arch,omitempty"`
	NetworkMode string `json:"network_mode,omitempty"`
}

// OracleSuite is a versioned, hashed set of oracle definitions. Suites
// are used by reference (id + hash) and pinned at run start.
type OracleSuite struct {
	SuiteID     string                 `json:"suite_id"`
	Version     string                 `json:"version"`
	Hash        ContentHash            `json:"hash"`
	Oracles     []OracleDefinition     `json:"oracles"`
	Environment EnvironmentConstraints `json:"environment"`
}

// RequiredOracles returns the ids of all required oracles, in suite
// order.
func (s *OracleSuite) RequiredOracles() []string {
	var ids []string
	for _, o := range s.Oracles {
		if o.Classification == OracleRequired {
			ids = append(ids, o.OracleID)
		}
	}
	return ids
}

// SuiteRef pins a suite by identity and content.
type SuiteRef struct {
	SuiteID string      `json:"suite_id"`
	Hash    ContentHash `json:"hash"`
}

// OracleResultStatus is the outcome of one oracle execution.
type OracleResultStatus string

const (
	OraclePass OracleResultStatus = "PASS"
	OracleFail OracleResultStatus = "FAIL"
	// OracleError marks an execution that produced no usable verdict;
	// for a required oracle it becomes ORACLE_GAP.
	OracleError OracleResultStatus = "ERROR"
)

// OracleResult is one oracle's recorded outcome within a run.
type OracleResult struct {
	OracleID   string             `json:"oracle_id"`
	Status     OracleResultStatus `json:"status"`
	ResultHash ContentHash        `json:"result_hash,omitempty"`
	OutputRef  string             `json:"output_ref,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Attempts   int                `json:"attempts"`
}

// RunState is the lifecycle of a suite execution.
type RunState string

const (
	RunStarted   RunState = "STARTED"
	RunCompleted RunState = "COMPLETED"
	RunCancelled RunState = "CANCELLED"
)

// Run is one execution of a pinned OracleSuite against one Candidate.
// The run is atomic for gate evaluation: partial results are unusable
// until it completes or is explicitly marked gapped.
type Run struct {
	ID          string                 `json:"id"`
	CandidateID string                 `json:"candidate_id"`
	Suite       SuiteRef               `json:"suite"`
	State       RunState               `json:"state"`
	Results     []OracleResult         `json:"results"`
	Integrity   []IntegrityCondition   `json:"integrity,omitempty"`
	Fingerprint EnvironmentFingerprint `json:"fingerprint"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}
