// Package registry holds the capability table: named, typed descriptors for
// the pluggable analyzer/strategy/evaluator/tracker/experiment logic.
//
// The registry is built once at startup with explicit Register calls and
// injected into the scheduler and experiment runner. After initialization it
// is treated as read-only by every other component.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"autotune/internal/logging"
)

// Kind classifies a capability.
type Kind string

const (
	KindAnalyzer   Kind = "analyzer"
	KindStrategy   Kind = "strategy"
	KindEvaluator  Kind = "evaluator"
	KindTracker    Kind = "tracker"
	KindExperiment Kind = "experiment"
)

// Kinds lists every valid capability kind.
func Kinds() []Kind {
	return []Kind{KindAnalyzer, KindStrategy, KindEvaluator, KindTracker, KindExperiment}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAnalyzer, KindStrategy, KindEvaluator, KindTracker, KindExperiment:
		return true
	}
	return false
}

// Options is the per-capability option table: recognized keys with their
// defaults. Callers may override values at invocation time, but only keys
// enumerated here are accepted.
type Options map[string]interface{}

// Merge returns defaults overlaid with overrides. Unknown override keys
// produce an error so option typos surface instead of silently defaulting.
func (o Options) Merge(overrides Options) (Options, error) {
	merged := make(Options, len(o))
	for k, v := range o {
		merged[k] = v
	}
	for k, v := range overrides {
		if _, ok := o[k]; !ok {
			return nil, fmt.Errorf("unrecognized option %q", k)
		}
		merged[k] = v
	}
	return merged, nil
}

// Descriptor describes one registered capability. Immutable after
// registration.
type Descriptor struct {
	Kind        Kind
	Name        string
	Description string
	// Impl is the implementation handle. Its concrete type is kind-specific
	// (invoke.AnalyzerFunc, invoke.StrategyFunc, ...); the invocation layer
	// owns calling it.
	Impl interface{}
	// Options holds the recognized option keys and their defaults,
	// validated at registration.
	Options Options
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Kind, d.Name)
}

// DuplicateNameError reports a (kind, name) collision on registration.
type DuplicateNameError struct {
	Kind Kind
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("capability %s/%s already registered", e.Kind, e.Name)
}

// NotFoundError reports a failed lookup.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %s/%s not registered", e.Kind, e.Name)
}

type key struct {
	kind Kind
	name string
}

// Registry is the capability table. Registration happens during process
// initialization; reads are lock-cheap thereafter.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*Descriptor)}
}

// Register stores a descriptor. Fails with *DuplicateNameError if the
// (kind, name) pair exists; existing entries are never mutated on failure.
func (r *Registry) Register(kind Kind, name string, desc Descriptor) (*Descriptor, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown capability kind %q", kind)
	}
	if name == "" {
		return nil, fmt.Errorf("capability name required")
	}
	if desc.Impl == nil {
		return nil, fmt.Errorf("capability %s/%s has no implementation", kind, name)
	}

	desc.Kind = kind
	desc.Name = name
	if desc.Options == nil {
		desc.Options = Options{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind: kind, name: name}
	if _, exists := r.entries[k]; exists {
		return nil, &DuplicateNameError{Kind: kind, Name: name}
	}
	stored := desc
	r.entries[k] = &stored

	logging.Registry("registered %s/%s (%d options)", kind, name, len(desc.Options))
	return &stored, nil
}

// Lookup returns the descriptor for (kind, name) or *NotFoundError.
func (r *Registry) Lookup(kind Kind, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.entries[key{kind: kind, name: name}]
	if !ok {
		logging.RegistryDebug("lookup miss for %s/%s", kind, name)
		return nil, &NotFoundError{Kind: kind, Name: name}
	}
	return desc, nil
}

// List returns the descriptors of one kind, sorted by name. The returned
// slice is a fresh copy, so iteration is restartable and unaffected by later
// calls.
func (r *Registry) List(kind Kind) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for k, d := range r.entries {
		if k.kind == kind {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the total number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
