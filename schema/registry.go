// Package schema validates event payloads of the dynamically typed namespaces.
//
// Core event types are trusted: their payloads are Go structs checked at
// compile time. custom.* types are validated against a registered JSON Schema
// and pass with a warning while unregistered. system.* types are validated
// only when registered. Anything else is rejected.
//
//	registry := schema.NewRegistry()
//	err := registry.Register(schema.Definition{
//	    EventType: "custom.order_paid",
//	    Schema:    `{"type":"object","required":["orderId"]}`,
//	})
//	res := registry.Validate("custom.order_paid", payloadJSON)
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coregx/eventbus/model"
)

var (
	// ErrCoreType is returned when registering a schema for a core event type.
	ErrCoreType = errors.New("core event types cannot be registered")

	// ErrNamespace is returned when registering a type outside custom.* and system.*.
	ErrNamespace = errors.New("only custom.* and system.* event types can be registered")

	// ErrUnknownEventType is reported by Validate for types outside every namespace.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Definition registers a payload schema for one event type.
type Definition struct {
	EventType string
	// Schema is a JSON Schema document.
	Schema string
	// Stream names the logical destination reported to publishers. Storage
	// always follows the subject prefix.
	Stream      string
	Description string
}

// Result is the outcome of Validate. Warning is set at most once per
// unregistered custom type so callers can log it without flooding.
type Result struct {
	Success bool
	Err     error
	Warning string
}

type entry struct {
	def      Definition
	compiled *jschema.Schema
}

// Registry holds payload schemas. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	warned  map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		warned:  make(map[string]struct{}),
	}
}

// Register compiles and stores a schema. Registering the same type again
// replaces the previous schema.
func (r *Registry) Register(def Definition) error {
	switch model.Classify(def.EventType) {
	case model.NamespaceCore:
		return fmt.Errorf("%w: %s", ErrCoreType, def.EventType)
	case model.NamespaceCustom, model.NamespaceSystem:
	default:
		return fmt.Errorf("%w: %s", ErrNamespace, def.EventType)
	}

	compiled, err := compile(def.EventType, def.Schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[def.EventType] = &entry{def: def, compiled: compiled}
	delete(r.warned, def.EventType)
	r.mu.Unlock()
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// RegisterType registers a schema generated from the Go type of v.
// def.Schema is ignored.
func (r *Registry) RegisterType(def Definition, v any) error {
	reflector := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return fmt.Errorf("schema: generating schema for %s: %w", def.EventType, err)
	}
	def.Schema = string(data)
	return r.Register(def)
}

func compile(eventType, schemaJSON string) (*jschema.Schema, error) {
	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("schema: parsing schema for %s: %w", eventType, err)
	}

	uri := "urn:eventbus:schema:" + eventType
	c := jschema.NewCompiler()
	if err := c.AddResource(uri, doc); err != nil {
		return nil, fmt.Errorf("schema: adding resource for %s: %w", eventType, err)
	}
	compiled, err := c.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("schema: compiling schema for %s: %w", eventType, err)
	}
	return compiled, nil
}

// Validate checks a JSON payload with the strategy of the type's namespace.
func (r *Registry) Validate(eventType string, payload []byte) Result {
	switch model.Classify(eventType) {
	case model.NamespaceCore:
		return Result{Success: true}
	case model.NamespaceCustom:
		return r.validateRegistered(eventType, payload, true)
	case model.NamespaceSystem:
		return r.validateRegistered(eventType, payload, false)
	default:
		return Result{Err: fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)}
	}
}

func (r *Registry) validateRegistered(eventType string, payload []byte, warnIfMissing bool) Result {
	r.mu.RLock()
	e, ok := r.entries[eventType]
	r.mu.RUnlock()

	if !ok {
		if !warnIfMissing {
			return Result{Success: true}
		}
		return Result{Success: true, Warning: r.warnOnce(eventType)}
	}

	inst, err := jschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Result{Err: fmt.Errorf("payload of %s is not valid JSON: %w", eventType, err)}
	}
	if err := e.compiled.Validate(inst); err != nil {
		return Result{Err: fmt.Errorf("payload of %s does not match schema: %w", eventType, err)}
	}
	return Result{Success: true}
}

func (r *Registry) warnOnce(eventType string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.warned[eventType]; seen {
		return ""
	}
	r.warned[eventType] = struct{}{}
	return fmt.Sprintf("no schema registered for %s, payload accepted without validation", eventType)
}

// Stream returns the stream override registered for a type.
func (r *Registry) Stream(eventType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[eventType]; ok && e.def.Stream != "" {
		return e.def.Stream, true
	}
	return "", false
}

// Has reports whether a schema is registered for the type.
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[eventType]
	return ok
}

// Schema returns the raw JSON Schema of a type, or nil.
func (r *Registry) Schema(eventType string) json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[eventType]; ok {
		return json.RawMessage(e.def.Schema)
	}
	return nil
}

// Definitions returns every registered definition.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	return defs
}
