// Package artifacts implements the governed-artifact arena: an
// append-only set of immutable artifact versions plus an explicit
// current-selection pointer per artifact. Which version is "in force"
// is never an in-place mutation; selection changes only through a
// binding Decision and carries a supersedes lineage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

var (
	// ErrUnknownArtifact reports an artifact key with no versions.
	ErrUnknownArtifact = errors.New("unknown governed artifact")

	// ErrUnknownVersion reports a version not present in the arena.
	ErrUnknownVersion = errors.New("unknown artifact version")

	// ErrVersionExists reports an attempted overwrite of a recorded
	// version.
	ErrVersionExists = errors.New("artifact version already recorded")

	// ErrNoSelection reports an artifact with versions but no
	// selection decision yet.
	ErrNoSelection = errors.New("no current selection for artifact")
)

// Version is one immutable version of a governed artifact.
type Version struct {
	ArtifactKey string                `json:"artifact_key"`
	Version     string                `json:"version"`
	ContentHash contracts.ContentHash `json:"content_hash"`
	Title       string                `json:"title,omitempty"`
	RecordedAt  time.Time             `json:"recorded_at"`
	RecordedBy  contracts.ActorID     `json:"recorded_by"`
}

// Ref is the canonical reference string for an artifact version.
func (v Version) Ref() string {
	return fmt.Sprintf("%s@%s", v.ArtifactKey, v.Version)
}

// Selection is the current-selection pointer record. A new selection
// supersedes the previous one; the chain is the audit lineage.
type Selection struct {
	ID          string            `json:"id"`
	ArtifactKey string            `json:"artifact_key"`
	Version     string            `json:"version"`
	DecisionRef string            `json:"decision_ref"`
	Supersedes  string            `json:"supersedes,omitempty"`
	SelectedAt  time.Time         `json:"selected_at"`
	SelectedBy  contracts.ActorID `json:"selected_by"`
}

// ChangeListener is notified when an artifact's content changes in
// force, so staleness can propagate.
type ChangeListener func(artifactKey string)

// Arena holds immutable versions and selection lineage.
type Arena struct {
	mu         sync.RWMutex
	versions   map[string]map[string]Version // key -> version -> record
	selections map[string][]Selection        // key -> lineage, newest last
	clock      func() time.Time
	onChange   ChangeListener
}

// Option configures an Arena.
type Option func(*Arena)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Arena) { a.clock = clock }
}

// WithChangeListener registers the staleness hook fired on selection
// changes.
func WithChangeListener(fn ChangeListener) Option {
	return func(a *Arena) { a.onChange = fn }
}

func NewArena(options ...Option) *Arena {
	a := &Arena{
		versions:   make(map[string]map[string]Version),
		selections: make(map[string][]Selection),
		clock:      time.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// RecordVersion adds an immutable version. The version string must be
// valid semver; recording an existing version is ErrVersionExists.
func (a *Arena) RecordVersion(ctx context.Context, key, version string, content []byte, actor contracts.ActorID) (Version, error) {
	if err := actor.Validate(); err != nil {
		return Version{}, err
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return Version{}, fmt.Errorf("artifact %s version %q: %w", key, version, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.versions[key] == nil {
		a.versions[key] = make(map[string]Version)
	}
	if _, ok := a.versions[key][version]; ok {
		return Version{}, fmt.Errorf("%s@%s: %w", key, version, ErrVersionExists)
	}

	v := Version{
		ArtifactKey: key,
		Version:     version,
		ContentHash: canonicalize.HashBytes(content),
		RecordedAt:  a.clock().UTC(),
		RecordedBy:  actor,
	}
	a.versions[key][version] = v
	return v, nil
}

// Select moves the current-selection pointer to a recorded version.
// Only a binding Decision may drive this: decisionRef is mandatory and
// the deciding actor must be human.
func (a *Arena) Select(ctx context.Context, key, version, decisionRef string, actor contracts.ActorID) (Selection, error) {
	if !actor.IsHuman() {
		return Selection{}, fmt.Errorf("selection of %s@%s: %w", key, version, contracts.ErrNotHumanActor)
	}
	if decisionRef == "" {
		return Selection{}, fmt.Errorf("selection of %s@%s carries no decision reference", key, version)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.versions[key]; !ok {
		return Selection{}, fmt.Errorf("%s: %w", key, ErrUnknownArtifact)
	}
	if _, ok := a.versions[key][version]; !ok {
		return Selection{}, fmt.Errorf("%s@%s: %w", key, version, ErrUnknownVersion)
	}

	sel := Selection{
		ID:          contracts.NewArtifactID(),
		ArtifactKey: key,
		Version:     version,
		DecisionRef: decisionRef,
		SelectedAt:  a.clock().UTC(),
		SelectedBy:  actor,
	}
	lineage := a.selections[key]
	if len(lineage) > 0 {
		sel.Supersedes = lineage[len(lineage)-1].ID
	}
	a.selections[key] = append(lineage, sel)

	if a.onChange != nil {
		a.onChange(key)
	}
	return sel, nil
}

// Current returns the version in force for an artifact.
func (a *Arena) Current(ctx context.Context, key string) (Version, Selection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.versions[key]; !ok {
		return Version{}, Selection{}, fmt.Errorf("%s: %w", key, ErrUnknownArtifact)
	}
	lineage := a.selections[key]
	if len(lineage) == 0 {
		return Version{}, Selection{}, fmt.Errorf("%s: %w", key, ErrNoSelection)
	}
	sel := lineage[len(lineage)-1]
	return a.versions[key][sel.Version], sel, nil
}

// SelectedKeys lists every artifact key with a current selection,
// sorted.
func (a *Arena) SelectedKeys(ctx context.Context) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]string, 0, len(a.selections))
	for key, lineage := range a.selections {
		if len(lineage) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// GetVersion fetches one immutable version record.
func (a *Arena) GetVersion(ctx context.Context, key, version string) (Version, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	versions, ok := a.versions[key]
	if !ok {
		return Version{}, fmt.Errorf("%s: %w", key, ErrUnknownArtifact)
	}
	v, ok := versions[version]
	if !ok {
		return Version{}, fmt.Errorf("%s@%s: %w", key, version, ErrUnknownVersion)
	}
	return v, nil
}

// Versions lists all recorded versions of an artifact in semver order.
func (a *Arena) Versions(ctx context.Context, key string) ([]Version, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	versions, ok := a.versions[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownArtifact)
	}
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		vi := semver.MustParse(out[i].Version)
		vj := semver.MustParse(out[j].Version)
		return vi.LessThan(vj)
	})
	return out, nil
}

// Lineage returns the full selection chain for an artifact, oldest
// first.
func (a *Arena) Lineage(ctx context.Context, key string) ([]Selection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.versions[key]; !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownArtifact)
	}
	lineage := a.selections[key]
	out := make([]Selection, len(lineage))
	copy(out, lineage)
	return out, nil
}
