// Package contracts defines the shared domain types of the Loopgate
// governance engine: actors, loops, iterations, candidates, oracle
// suites, runs, evidence manifests, exceptions, approvals, decisions,
// and freeze records.
//
// The package is pure data. It must not import storage clients,
// transport frameworks, or agent runtimes.
package contracts

import "fmt"

// ActorKind classifies who performed an action.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// Valid reports whether the kind is one of the closed set.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorHuman, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// ActorID identifies the actor that produced a record or event.
// Binding records (Approvals, Decisions, Waivers, Freezes) require a
// stable HUMAN actor; IterationStarted requires SYSTEM.
type ActorID struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// SystemActor is the engine's own identity for SYSTEM-only events.
var SystemActor = ActorID{Kind: ActorSystem, ID: "governor"}

func (a ActorID) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// IsHuman reports whether the actor is a human principal.
func (a ActorID) IsHuman() bool { return a.Kind == ActorHuman }

// Validate checks kind membership and a non-empty stable id.
func (a ActorID) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("actor kind %q: %w", a.Kind, ErrInvalidActor)
	}
	if a.ID == "" {
		return fmt.Errorf("empty actor id: %w", ErrInvalidActor)
	}
	return nil
}
