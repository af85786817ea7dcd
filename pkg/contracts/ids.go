package contracts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefixed identifiers. Every entity id carries a type prefix so that
// raw ids remain self-describing in event payloads and logs.
func NewLoopID() string      { return "loop_" + uuid.NewString() }
func NewIterationID() string { return "iter_" + uuid.NewString() }
func NewEventID() string     { return "evt_" + uuid.NewString() }
func NewRunID() string       { return "run_" + uuid.NewString() }
func NewDecisionID() string  { return "dec_" + uuid.NewString() }
func NewApprovalID() string  { return "apr_" + uuid.NewString() }
func NewExceptionID() string { return "exc_" + uuid.NewString() }
func NewFreezeID() string    { return "frz_" + uuid.NewString() }
func NewArtifactID() string  { return "art_" + uuid.NewString() }

// ContentHash is a content address of the form "sha256:<64 hex>".
type ContentHash string

// Valid reports whether the hash has the expected shape.
func (h ContentHash) Valid() bool {
	s := string(h)
	if !strings.HasPrefix(s, "sha256:") {
		return false
	}
	hex := s[len("sha256:"):]
	if len(hex) != 64 {
		return false
	}
	for _, c := range hex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NewCandidateID derives a candidate identity from its content hash.
// Format: [git:<sha>|]sha256:<hash>|cand_<uuid>. Identity changes iff
// content changes; the uuid suffix disambiguates provenance, not
// content.
func NewCandidateID(gitSHA string, hash ContentHash) string {
	parts := make([]string, 0, 3)
	if gitSHA != "" {
		parts = append(parts, "git:"+gitSHA)
	}
	parts = append(parts, string(hash), "cand_"+uuid.NewString())
	return strings.Join(parts, "|")
}

// CandidateContentHash extracts the sha256 component of a candidate id.
func CandidateContentHash(candidateID string) (ContentHash, error) {
	for _, part := range strings.Split(candidateID, "|") {
		if strings.HasPrefix(part, "sha256:") {
			return ContentHash(part), nil
		}
	}
	return "", fmt.Errorf("candidate id %q has no sha256 component", candidateID)
}
