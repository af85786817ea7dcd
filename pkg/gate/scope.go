package gate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// ScopeEvaluator decides whether a waiver's scope covers a candidate.
// The default scope is a single candidate id; a bounded superset is a
// CEL predicate over a `candidate` map. Compiled programs are cached
// per expression.
type ScopeEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewScopeEvaluator() (*ScopeEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("candidate", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create scope environment: %w", err)
	}
	return &ScopeEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// CandidateAttrs are the candidate attributes a predicate scope may
// inspect.
type CandidateAttrs struct {
	ID          string
	ContentHash contracts.ContentHash
	ProducedBy  string
	LoopID      string
}

func (a CandidateAttrs) input() map[string]any {
	return map[string]any{
		"candidate": map[string]any{
			"id":           a.ID,
			"content_hash": string(a.ContentHash),
			"produced_by":  a.ProducedBy,
			"loop_id":      a.LoopID,
		},
	}
}

// InScope reports whether the waiver's scope includes the candidate.
// Evaluation errors fail closed.
func (s *ScopeEvaluator) InScope(scope contracts.WaiverScope, attrs CandidateAttrs) (bool, error) {
	if scope.CandidateID != "" {
		return scope.CandidateID == attrs.ID, nil
	}
	if scope.Predicate == "" {
		return false, fmt.Errorf("waiver scope names neither candidate nor predicate")
	}
	return s.evaluate(scope.Predicate, attrs.input())
}

func (s *ScopeEvaluator) evaluate(expr string, input map[string]any) (bool, error) {
	s.mu.RLock()
	prg, hit := s.cache[expr]
	s.mu.RUnlock()

	if !hit {
		s.mu.Lock()
		if prg, hit = s.cache[expr]; !hit {
			ast, issues := s.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				s.mu.Unlock()
				return false, fmt.Errorf("compile scope predicate: %w", issues.Err())
			}
			p, err := s.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				s.mu.Unlock()
				return false, fmt.Errorf("build scope program: %w", err)
			}
			s.cache[expr] = p
			prg = p
		}
		s.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate scope predicate: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("scope predicate result is not a bool")
	}
	return allowed, nil
}
