package taskqueue

import "fmt"

// TypeKind classifies a registered job type: entry types may start a chain
// from outside; internal types are reachable only via continueWith or as a
// blocker.
type TypeKind string

const (
	KindEntry    TypeKind = "entry"
	KindInternal TypeKind = "internal"
)

// Validator checks a payload (input or output) for a registered type. Return
// a non-nil error to reject it.
type Validator func(payload []byte) error

// TypeDef is one registered job type.
type TypeDef struct {
	Name          string
	Kind          TypeKind
	ValidateInput Validator
	// Continuations/Blockers, if non-empty, restrict which type names this
	// type's continueWith/startBlockers may reference. An empty slice means
	// unrestricted.
	Continuations []string
	Blockers      []string
}

// Registry validates type names and payloads at runtime (spec.md explicitly
// scopes compile-time type-registry validation as out of scope; this is the
// by-name runtime check C4 depends on).
type Registry struct {
	types map[string]TypeDef
}

// NewRegistry builds a Registry from the given type definitions.
func NewRegistry(defs ...TypeDef) *Registry {
	r := &Registry{types: make(map[string]TypeDef, len(defs))}
	for _, d := range defs {
		r.types[d.Name] = d
	}
	return r
}

// Lookup returns the TypeDef for name, or ok=false if unregistered.
func (r *Registry) Lookup(name string) (TypeDef, bool) {
	d, ok := r.types[name]
	return d, ok
}

// RequireEntry validates that name is registered as an entry type and that
// input satisfies its validator, if any.
func (r *Registry) RequireEntry(name string, input []byte) error {
	d, ok := r.types[name]
	if !ok {
		return &JobTypeValidationError{Code: CodeUnknownType, TypeName: name}
	}
	if d.Kind != KindEntry {
		return &JobTypeValidationError{Code: CodeNotEntry, TypeName: name}
	}
	return r.validateInput(d, input)
}

// RequireRegistered validates that name is registered (entry or internal)
// and that input satisfies its validator, used for continueWith targets.
func (r *Registry) RequireRegistered(name string, input []byte) error {
	d, ok := r.types[name]
	if !ok {
		return &JobTypeValidationError{Code: CodeUnknownType, TypeName: name}
	}
	return r.validateInput(d, input)
}

func (r *Registry) validateInput(d TypeDef, input []byte) error {
	if d.ValidateInput == nil {
		return nil
	}
	if err := d.ValidateInput(input); err != nil {
		return &JobTypeValidationError{Code: CodeInputInvalid, TypeName: d.Name, Err: err}
	}
	return nil
}

// RequireContinuation validates that "to" is an allowed continuation target
// of the type "from", per from's declared Continuations (empty means
// unrestricted).
func (r *Registry) RequireContinuation(from, to string) error {
	d, ok := r.types[from]
	if !ok {
		return &JobTypeValidationError{Code: CodeUnknownType, TypeName: from}
	}
	if len(d.Continuations) == 0 {
		return nil
	}
	for _, allowed := range d.Continuations {
		if allowed == to {
			return nil
		}
	}
	return &JobTypeValidationError{
		Code:     CodeContinuationInvalid,
		TypeName: to,
		Err:      fmt.Errorf("%q is not a declared continuation of %q", to, from),
	}
}

// RequireBlocker validates that "blocker" is an allowed blocker type of
// "from", per from's declared Blockers (empty means unrestricted).
func (r *Registry) RequireBlocker(from, blocker string) error {
	d, ok := r.types[from]
	if !ok {
		return &JobTypeValidationError{Code: CodeUnknownType, TypeName: from}
	}
	if len(d.Blockers) == 0 {
		return nil
	}
	for _, allowed := range d.Blockers {
		if allowed == blocker {
			return nil
		}
	}
	return &JobTypeValidationError{
		Code:     CodeBlockerInvalid,
		TypeName: blocker,
		Err:      fmt.Errorf("%q is not a declared blocker of %q", blocker, from),
	}
}
