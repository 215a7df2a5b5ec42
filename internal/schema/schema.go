// Package schema holds the runtime descriptor table the mutation index
// consults to decide, per trait type, which fields are indexed, sorted,
// full-text, or grouping. Trait types register themselves once at
// startup; no reflection or code generation is involved per-trait.
package schema

import "sync"

// FieldDescriptor describes one field of one trait type.
type FieldDescriptor struct {
	Name      string
	FieldID   int
	Indexed   bool
	Sorted    bool
	FullText  bool
	Group     bool
	Reference bool // true if the field's value is another entity's id
}

// Describer is implemented by trait payload types that want to be
// indexed; it's the registration hook, not a marshaling interface.
type Describer interface {
	TraitTypeName() string
	Describe() []FieldDescriptor
}

// Registry maps trait type name to its field descriptors.
type Registry struct {
	mu     sync.RWMutex
	fields map[string][]FieldDescriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fields: make(map[string][]FieldDescriptor)}
}

// Register records the field descriptors for a trait type, replacing any
// prior registration for the same name.
func (r *Registry) Register(traitType string, fields []FieldDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fields[traitType] = fields
}

// RegisterDescriber is a convenience wrapper around Register for types
// implementing Describer.
func (r *Registry) RegisterDescriber(d Describer) {
	r.Register(d.TraitTypeName(), d.Describe())
}

// Fields returns the field descriptors registered for traitType, or nil
// if the type is unknown (the mutation index then indexes every field of
// that type).
func (r *Registry) Fields(traitType string) []FieldDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields[traitType]
}

// Field returns the descriptor for a single named field of traitType.
func (r *Registry) Field(traitType, name string) (FieldDescriptor, bool) {
	for _, f := range r.Fields(traitType) {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}
