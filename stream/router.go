// Package stream maps event types to the named streams that hold them and
// provisions those streams on the log.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/coregx/eventbus/subject"
	"github.com/coregx/eventbus/substrate"
)

// Well-known stream names.
const (
	Message  = "MESSAGE"
	Presence = "PRESENCE"
	Instance = "INSTANCE"
	Identity = "IDENTITY"
	Agent    = "AGENT"
	Media    = "MEDIA"
	Custom   = "CUSTOM"
	System   = "SYSTEM"
)

// Definition describes one stream and the type prefixes it owns.
type Definition struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Prefixes    []string              `yaml:"prefixes"`
	MaxAge      time.Duration         `yaml:"maxAge"`
	Storage     substrate.StorageType `yaml:"-"`
	MemoryOnly  bool                  `yaml:"memoryOnly"`
}

// Subjects returns the subject filters the stream captures, one "prefix.>" per prefix.
func (d Definition) Subjects() []string {
	subjects := make([]string, 0, len(d.Prefixes))
	for _, p := range d.Prefixes {
		subjects = append(subjects, p+subject.Separator+subject.TailToken)
	}
	return subjects
}

// Config returns the substrate configuration for the stream.
func (d Definition) Config() substrate.StreamConfig {
	storage := d.Storage
	if d.MemoryOnly {
		storage = substrate.MemoryStorage
	}
	return substrate.StreamConfig{
		Name:        d.Name,
		Description: d.Description,
		Subjects:    d.Subjects(),
		MaxAge:      d.MaxAge,
		Storage:     storage,
	}
}

const day = 24 * time.Hour

// DefaultDefinitions returns the stream table of the messaging platform.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: Message, Description: "Inbound and outbound messages and reactions", Prefixes: []string{"message", "reaction"}, MaxAge: 7 * day},
		{Name: Presence, Description: "Typing and online indicators", Prefixes: []string{"presence"}, MaxAge: time.Hour, MemoryOnly: true},
		{Name: Instance, Description: "Channel instance lifecycle", Prefixes: []string{"instance"}, MaxAge: 30 * day},
		{Name: Identity, Description: "Identity resolution and access decisions", Prefixes: []string{"identity", "access"}, MaxAge: 90 * day},
		{Name: Agent, Description: "Agent requests, responses and sessions", Prefixes: []string{"agent", "session"}, MaxAge: 14 * day},
		{Name: Media, Description: "Media processing", Prefixes: []string{"media"}, MaxAge: 3 * day},
		{Name: Custom, Description: "User-defined events", Prefixes: []string{"custom"}, MaxAge: 30 * day},
		{Name: System, Description: "Internal bus notifications", Prefixes: []string{"system"}, MaxAge: 7 * day},
	}
}

// RoutingError is returned when no stream can be inferred for a pattern.
type RoutingError struct {
	Pattern string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot infer stream for pattern %q: first token is a wildcard, subscribe per stream", e.Pattern)
}

// Router resolves event types and patterns to stream names.
type Router struct {
	defs     []Definition
	byPrefix map[string]string
	fallback string
}

// NewRouter builds a router. fallback receives unmatched prefixes and must be one of defs.
func NewRouter(defs []Definition, fallback string) (*Router, error) {
	r := &Router{
		defs:     defs,
		byPrefix: make(map[string]string),
		fallback: fallback,
	}

	names := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("stream definition without name")
		}
		if _, dup := names[d.Name]; dup {
			return nil, fmt.Errorf("stream %q defined twice", d.Name)
		}
		names[d.Name] = struct{}{}

		for _, p := range d.Prefixes {
			if p == "" || subject.IsWildcard(p) {
				return nil, fmt.Errorf("stream %q: invalid prefix %q", d.Name, p)
			}
			if owner, ok := r.byPrefix[p]; ok {
				return nil, fmt.Errorf("prefix %q claimed by both %q and %q", p, owner, d.Name)
			}
			r.byPrefix[p] = d.Name
		}
	}

	if _, ok := names[fallback]; !ok {
		return nil, fmt.Errorf("fallback stream %q is not defined", fallback)
	}
	return r, nil
}

// DefaultRouter returns a router over DefaultDefinitions with CUSTOM as fallback.
func DefaultRouter() *Router {
	r, err := NewRouter(DefaultDefinitions(), Custom)
	if err != nil {
		panic(err)
	}
	return r
}

// StreamFor returns the stream holding an event type. Unknown prefixes go to the fallback.
func (r *Router) StreamFor(eventType string) string {
	if name, ok := r.byPrefix[subject.FirstToken(eventType)]; ok {
		return name
	}
	return r.fallback
}

// StreamForPattern returns the stream a subscription pattern reads from.
func (r *Router) StreamForPattern(pattern string) (string, error) {
	if subject.IsWildcard(subject.FirstToken(pattern)) {
		return "", &RoutingError{Pattern: pattern}
	}
	return r.StreamFor(pattern), nil
}

// Definitions returns the configured streams.
func (r *Router) Definitions() []Definition {
	return r.defs
}

// Names returns every stream name in definition order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Name)
	}
	return names
}

// Definition returns the definition of a named stream.
func (r *Router) Definition(name string) (Definition, bool) {
	for _, d := range r.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
