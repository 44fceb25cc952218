package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lmsync/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Resources []string                   `json:"resources,omitempty"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <resources>",
		Short: "Validate CUE resource type definitions",
		Long: `Validate the CUE resource type definitions in a file or package directory.

Checks syntax, the resource schema, and invalidation templates, and lists
the resource types that would be registered.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeUsage, fmt.Sprintf("resource definitions not found: %s", path), nil)
		return WrapExitError(ExitCommandError, "resource definitions not found", err)
	}

	formatter.VerboseLog("Loading resource definitions from %s", path)
	registry, err := compiler.LoadFile(path)
	if err != nil {
		return outputValidationErrors(formatter, toValidationErrors(err))
	}

	names := registry.Names()
	if formatter.IsJSON() {
		return formatter.Success(ValidationResult{Valid: true, Resources: names})
	}
	fmt.Fprintf(formatter.Writer, "✓ %d resource type(s) valid\n", len(names))
	for _, name := range names {
		fmt.Fprintf(formatter.Writer, "  %s\n", name)
	}
	return nil
}

// toValidationErrors flattens a load error into validation errors.
// Errors without a code are reported as E001 with their position, if any.
func toValidationErrors(err error) []compiler.ValidationError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []compiler.ValidationError
		for _, e := range joined.Unwrap() {
			out = append(out, toValidationErrors(e)...)
		}
		return out
	}

	var verr compiler.ValidationError
	if errors.As(err, &verr) {
		return []compiler.ValidationError{verr}
	}
	var cerr *compiler.CompileError
	if errors.As(err, &cerr) {
		return []compiler.ValidationError{{
			Field:   cerr.Field,
			Message: cerr.Error(),
			Code:    ErrCodeGeneric,
		}}
	}
	return []compiler.ValidationError{{
		Field:   "load",
		Message: err.Error(),
		Code:    ErrCodeGeneric,
	}}
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.IsJSON() {
		_ = formatter.Error(errs[0].Code, fmt.Sprintf("%d validation error(s)", len(errs)), ValidationResult{Errors: errs})
	} else {
		writeValidationErrors(formatter.Writer, errs)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(errs)))
}

func writeValidationErrors(w io.Writer, errs []compiler.ValidationError) {
	fmt.Fprintf(w, "✗ %d validation error(s)\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}
