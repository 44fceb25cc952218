package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Policy decides how a new pending mutation relates to existing ones.
type Policy string

const (
	// PolicyReplace keeps at most one pending mutation per
	// (type, resource, owner); a newer one supersedes the older.
	PolicyReplace Policy = "replace"

	// PolicyAppend keeps every mutation, keyed additionally by creation
	// time. Used for free-form entries such as new discussions or notes.
	PolicyAppend Policy = "append"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyReplace || p == PolicyAppend
}

// ResourceType describes how one family of resources is queued, transmitted
// and invalidated.
type ResourceType struct {
	Name   string
	Label  string
	Policy Policy

	// Methods maps an operation kind to the remote write procedure.
	Methods map[OperationKind]string

	// InvalidateKeys and InvalidatePrefixes are cache key templates expanded
	// with ExpandTemplate after a successful sync.
	InvalidateKeys     []string
	InvalidatePrefixes []string

	// Throttle overrides the coordinator's default sync interval when > 0.
	Throttle time.Duration
}

// Method returns the remote procedure for kind.
func (t ResourceType) Method(kind OperationKind) (string, bool) {
	m, ok := t.Methods[kind]
	return m, ok && m != ""
}

// CacheKeys expands the invalidation templates for key.
func (t ResourceType) CacheKeys(key ResourceKey) (keys, prefixes []string) {
	for _, tpl := range t.InvalidateKeys {
		keys = append(keys, ExpandTemplate(tpl, key))
	}
	for _, tpl := range t.InvalidatePrefixes {
		prefixes = append(prefixes, ExpandTemplate(tpl, key))
	}
	return keys, prefixes
}

// ExpandTemplate substitutes {type}, {id} and {owner} in tpl.
//
//	ExpandTemplate("forum:discussions:{id}", ResourceKey{ID: "7"}) → "forum:discussions:7"
func ExpandTemplate(tpl string, key ResourceKey) string {
	r := strings.NewReplacer(
		"{type}", key.Type,
		"{id}", key.ID,
		"{owner}", key.Owner,
	)
	return r.Replace(tpl)
}

// Registry holds the known resource types by name.
// Lookups of unknown types return a replace-policy type with no invalidation.
type Registry struct {
	types map[string]ResourceType
}

// NewRegistry builds a registry, rejecting duplicates and invalid policies.
func NewRegistry(types ...ResourceType) (*Registry, error) {
	r := &Registry{types: make(map[string]ResourceType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("resource type name is required")
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("duplicate resource type %q", t.Name)
		}
		if t.Policy == "" {
			t.Policy = PolicyReplace
		}
		if !t.Policy.Valid() {
			return nil, fmt.Errorf("resource type %q: invalid policy %q", t.Name, t.Policy)
		}
		r.types[t.Name] = t
	}
	return r, nil
}

// Lookup returns the resource type registered under name.
func (r *Registry) Lookup(name string) ResourceType {
	if r != nil {
		if t, ok := r.types[name]; ok {
			return t
		}
	}
	return ResourceType{Name: name, Label: name, Policy: PolicyReplace}
}

// Has reports whether name was registered explicitly.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.types[name]
	return ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
