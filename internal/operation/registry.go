package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Action is the domain logic bound to an operation kind. It runs inside the
// executor's transactional scope; the scope travels in ctx so nested store
// calls reuse it rather than opening their own.
type Action func(ctx context.Context, op Operation) (any, error)

// PostCondition checks the structural/semantic invariant of an action's
// reported result. A non-nil error forces rollback even though the action
// itself reported success.
type PostCondition func(data any) error

// Spec describes one registered operation kind.
type Spec struct {
	Kind                Kind
	RequiredPermissions []string
	// Payload is a prototype struct; inbound payloads decode into a fresh
	// copy of its type and validate against its schema tags.
	Payload any
	Action  Action
	// PostCondition is optional; nil means any reported result is accepted.
	PostCondition PostCondition
	// AlertWorthy marks failure outcomes of this kind for synchronous
	// threshold evaluation before control returns to the caller.
	AlertWorthy bool
}

// Registry maps operation kinds to their specs. Registration happens during
// startup wiring; lookups afterwards are read-only, so a plain map behind an
// RWMutex is enough.
type Registry struct {
	mu    sync.RWMutex
	specs map[Kind]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[Kind]Spec)}
}

// Register binds a spec to its kind. Re-registering a kind is a wiring bug
// and returns an error rather than silently replacing the action.
func (r *Registry) Register(spec Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("operation spec requires a kind")
	}
	if spec.Action == nil {
		return fmt.Errorf("operation %q requires an action", spec.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Kind]; exists {
		return fmt.Errorf("operation %q already registered", spec.Kind)
	}
	r.specs[spec.Kind] = spec
	return nil
}

// Lookup returns the spec for a kind.
func (r *Registry) Lookup(kind Kind) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	return spec, ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	return kinds
}

// NewOperation decodes raw JSON into the kind's payload prototype and wraps
// it as an immutable Operation. The payload is a fresh typed value, never a
// map threaded through the pipeline.
func (r *Registry) NewOperation(kind Kind, rawPayload []byte, now time.Time) (Operation, error) {
	spec, ok := r.Lookup(kind)
	if !ok {
		return Operation{}, fmt.Errorf("unknown operation kind %q", kind)
	}

	var payload any
	if spec.Payload != nil {
		target := reflect.New(reflect.TypeOf(spec.Payload)).Interface()
		if len(rawPayload) > 0 {
			dec := json.NewDecoder(bytes.NewReader(rawPayload))
			dec.DisallowUnknownFields()
			if err := dec.Decode(target); err != nil {
				return Operation{}, fmt.Errorf("decode %q payload: %w", kind, err)
			}
		}
		payload = target
	}

	return Operation{
		Kind:                kind,
		Payload:             payload,
		RequiredPermissions: append([]string(nil), spec.RequiredPermissions...),
		SubmittedAt:         now,
	}, nil
}
