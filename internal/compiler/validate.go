package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/lmsync/internal/model"
)

// Validation error codes (E100-E199)
const (
	ErrResourceNoMethods      = "E101" // at least one method required
	ErrInvalidPolicy          = "E102" // policy is not replace or append
	ErrInvalidOperationKind   = "E103" // unknown operation kind
	ErrDuplicateResource      = "E104" // duplicate resource name
	ErrInvalidTemplate        = "E105" // unknown placeholder in an invalidation template
	ErrEmptyTemplate          = "E106" // empty invalidation template
	ErrInvalidResourceName    = "E107" // name cannot be part of a resource key
	ErrNegativeThrottle       = "E108" // throttle below zero
	ErrPrefixWithoutParameter = "E109" // prefix template would match every entry of another resource
)

// ValidationError represents a resource definition error.
type ValidationError struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Message  string `json:"message"`
	Code     string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Resource, e.Field, e.Message)
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

var knownPlaceholders = map[string]bool{"type": true, "id": true, "owner": true}

// Validate checks compiled resource types.
// Returns all errors found (does not fail-fast).
func Validate(types []model.ResourceType) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	for _, rt := range types {
		add := func(field, code, format string, args ...any) {
			errs = append(errs, ValidationError{
				Resource: rt.Name,
				Field:    field,
				Message:  fmt.Sprintf(format, args...),
				Code:     code,
			})
		}

		if rt.Name == "" || strings.Contains(rt.Name, ":") {
			add("name", ErrInvalidResourceName, "name must be non-empty and must not contain ':'")
		}
		if seen[rt.Name] {
			add("name", ErrDuplicateResource, "duplicate resource %q", rt.Name)
		}
		seen[rt.Name] = true

		if !rt.Policy.Valid() {
			add("policy", ErrInvalidPolicy, "invalid policy %q", rt.Policy)
		}
		if len(rt.Methods) == 0 {
			add("methods", ErrResourceNoMethods, "at least one method is required")
		}
		for kind := range rt.Methods {
			if !kind.Valid() {
				add("methods", ErrInvalidOperationKind, "unknown operation kind %q", kind)
			}
		}
		if rt.Throttle < 0 {
			add("throttle", ErrNegativeThrottle, "throttle must not be negative")
		}

		for _, tpl := range rt.InvalidateKeys {
			errs = append(errs, validateTemplate(rt.Name, "invalidate.keys", tpl)...)
		}
		for _, tpl := range rt.InvalidatePrefixes {
			errs = append(errs, validateTemplate(rt.Name, "invalidate.prefixes", tpl)...)
			if !strings.Contains(tpl, "{") {
				add("invalidate.prefixes", ErrPrefixWithoutParameter,
					"prefix %q does not depend on the resource; use a key or include {id}", tpl)
			}
		}
	}
	return errs
}

func validateTemplate(resource, field, tpl string) []ValidationError {
	if strings.TrimSpace(tpl) == "" {
		return []ValidationError{{
			Resource: resource, Field: field, Code: ErrEmptyTemplate,
			Message: "template must not be empty",
		}}
	}
	var errs []ValidationError
	for _, m := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
		if !knownPlaceholders[m[1]] {
			errs = append(errs, ValidationError{
				Resource: resource, Field: field, Code: ErrInvalidTemplate,
				Message: fmt.Sprintf("unknown placeholder {%s} in %q", m[1], tpl),
			})
		}
	}
	return errs
}
