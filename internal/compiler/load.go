package compiler

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/lmsync/internal/model"
)

//go:embed schema.cue
var schemaSource string

// LoadString compiles resource definitions from CUE source.
// filename is only used in error positions.
func LoadString(src, filename string) (*model.Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileRegistry(ctx, v)
}

// LoadFile compiles the resource definitions in path. A directory is loaded
// as one CUE package instance.
func LoadFile(path string) (*model.Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resource definitions: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource definitions: %w", err)
	}
	return LoadString(string(data), path)
}

// LoadDir compiles every CUE file of the package in dir.
func LoadDir(dir string) (*model.Registry, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileRegistry(ctx, v)
}

// Empty returns a registry without resource types: every type is
// replace-policy and nothing is invalidated after a sync.
func Empty() *model.Registry {
	r, _ := model.NewRegistry()
	return r
}

// compileRegistry checks v against the schema, then compiles each entry of
// the "resource" struct. All resource errors are reported, joined.
func compileRegistry(ctx *cue.Context, v cue.Value) (*model.Registry, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile resource schema: %w", err)
	}

	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	resourcesVal := v.LookupPath(cue.ParsePath("resource"))
	if !resourcesVal.Exists() {
		return Empty(), nil
	}

	iter, err := resourcesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var (
		types []model.ResourceType
		errs  []error
	)
	for iter.Next() {
		rt, err := CompileResource(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", iter.Selector().Unquoted(), err))
			continue
		}
		types = append(types, rt)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if verrs := Validate(types); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, errors.Join(joined...)
	}

	return model.NewRegistry(types...)
}
