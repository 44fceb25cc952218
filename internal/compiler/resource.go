// Package compiler turns CUE resource type definitions into a
// model.Registry.
//
// A definitions file declares one struct per resource type:
//
//	resource: forum_reply: {
//		label:  "Forum reply"
//		policy: "replace"
//		methods: create: "mod_forum_add_discussion_post"
//		invalidate: {
//			keys: ["forum:discussion:{id}"]
//			prefixes: ["forum:posts:{id}:"]
//		}
//		throttle: "10m"
//	}
//
// Every file is unified with an embedded schema before compilation, so
// unknown fields, unknown operation kinds and bad policies are reported
// with their CUE position.
package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"

	"github.com/roach88/lmsync/internal/model"
)

// CompileResource parses a CUE value into a ResourceType.
//
// The CUE value should be the resource struct itself, e.g.:
//
//	v := ctx.CompileString(src)
//	rt, err := CompileResource(v.LookupPath(cue.ParsePath("resource.forum_reply")))
func CompileResource(v cue.Value) (model.ResourceType, error) {
	if err := v.Err(); err != nil {
		return model.ResourceType{}, formatCUEError(err)
	}

	var rt model.ResourceType

	// Name comes from the struct label (the path selector)
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		rt.Name = labels[len(labels)-1].Unquoted()
	}
	if rt.Name == "" {
		return rt, &CompileError{Field: "resource", Message: "resource name is required", Pos: v.Pos()}
	}

	var err error
	if rt.Label, err = optionalString(v, "label"); err != nil {
		return rt, err
	}
	if rt.Label == "" {
		rt.Label = rt.Name
	}

	policy, err := optionalString(v, "policy")
	if err != nil {
		return rt, err
	}
	rt.Policy = model.Policy(policy)
	if rt.Policy == "" {
		rt.Policy = model.PolicyReplace
	}
	if !rt.Policy.Valid() {
		return rt, &CompileError{
			Field:   "policy",
			Message: fmt.Sprintf("policy must be %q or %q, got %q", model.PolicyReplace, model.PolicyAppend, policy),
			Pos:     v.LookupPath(cue.ParsePath("policy")).Pos(),
		}
	}

	if rt.Methods, err = parseMethods(v); err != nil {
		return rt, err
	}

	if rt.InvalidateKeys, err = optionalStrings(v, "invalidate.keys"); err != nil {
		return rt, err
	}
	if rt.InvalidatePrefixes, err = optionalStrings(v, "invalidate.prefixes"); err != nil {
		return rt, err
	}

	throttle, err := optionalString(v, "throttle")
	if err != nil {
		return rt, err
	}
	if throttle != "" {
		d, err := time.ParseDuration(throttle)
		if err != nil || d < 0 {
			return rt, &CompileError{
				Field:   "throttle",
				Message: fmt.Sprintf("invalid duration %q", throttle),
				Pos:     v.LookupPath(cue.ParsePath("throttle")).Pos(),
			}
		}
		rt.Throttle = d
	}

	return rt, nil
}

// parseMethods extracts the kind → remote procedure map (at least one).
func parseMethods(v cue.Value) (map[model.OperationKind]string, error) {
	methodsVal := v.LookupPath(cue.ParsePath("methods"))
	if !methodsVal.Exists() {
		return nil, &CompileError{Field: "methods", Message: "at least one method is required", Pos: v.Pos()}
	}

	iter, err := methodsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	methods := make(map[model.OperationKind]string)
	for iter.Next() {
		kind := model.OperationKind(iter.Selector().Unquoted())
		if !kind.Valid() {
			return nil, &CompileError{
				Field:   "methods",
				Message: fmt.Sprintf("unknown operation kind %q", kind),
				Pos:     iter.Value().Pos(),
			}
		}
		name, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if name == "" {
			return nil, &CompileError{
				Field:   "methods",
				Message: fmt.Sprintf("method for %q must not be empty", kind),
				Pos:     iter.Value().Pos(),
			}
		}
		methods[kind] = name
	}

	if len(methods) == 0 {
		return nil, &CompileError{Field: "methods", Message: "at least one method is required", Pos: methodsVal.Pos()}
	}
	return methods, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	if d, ok := f.Default(); ok {
		f = d
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalStrings(v cue.Value, path string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
