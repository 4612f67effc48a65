package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/ioccore/internal/config"
	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/record"
)

// ValidationIssue is one problem found in a record database.
type ValidationIssue struct {
	Code    string `json:"code"`
	Record  string `json:"record,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Records  int               `json:"records"`
	LockSets [][]string        `json:"lock_sets,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`

	// Warnings do not fail validation.
	Warnings []engine.CycleWarning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <db-dir>",
		Short: "Check a record database without running it",
		Long: `Load the CUE files in a directory, check them against the record
schema, then build the database to find bad expressions, unknown
fields, bad links and missing device support. Nothing is processed.

Exit codes:
  0 - database valid
  1 - validation errors
  2 - command error (missing directory, no CUE files)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dbDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, loadErrors := config.Load(dbDir, config.LoadModeCollectAll)
	if loadResult == nil {
		code, message := config.ErrCodeGeneric, "load failed"
		var loadErr *config.LoadError
		if len(loadErrors) > 0 && errors.As(loadErrors[0], &loadErr) {
			code, message = loadErr.Code, loadErr.Message
		} else if len(loadErrors) > 0 {
			message = loadErrors[0].Error()
		}
		_ = formatter.Error(code, message, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dbDir)

	result, err := ValidateDefs(loadResult.Defs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build database", err)
	}
	for _, err := range loadErrors {
		result.Errors = append(result.Errors, issueFromLoadError(err))
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Database valid: %d record(s) in %d lock set(s)\n", result.Records, len(result.LockSets))
	for _, w := range result.Warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", w.Message)
	}
	if opts.Verbose {
		for _, set := range result.LockSets {
			fmt.Fprintf(formatter.Writer, "  %v\n", set)
		}
	}
	return nil
}

// ValidateDefs builds a database from defs without starting it and
// reports its configuration errors. Links to names outside the database
// resolve to disconnected channels.
func ValidateDefs(defs []record.Def) (*ValidationResult, error) {
	eng := engine.New(defs,
		engine.WithRemote(link.NewLoopback()),
		engine.WithLenient(true),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	defer eng.Close()

	db := eng.Database()
	result := &ValidationResult{
		Records:  len(db.Names()),
		LockSets: db.LockSets(),
		Errors:   []ValidationIssue{},
		Warnings: db.ProcessingCycles(),
	}
	for _, err := range db.Errors() {
		result.Errors = append(result.Errors, issueFromEngineError(err))
	}
	return result, nil
}

func issueFromLoadError(err error) ValidationIssue {
	var le *config.LoadError
	if !errors.As(err, &le) {
		return ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()}
	}
	issue := ValidationIssue{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		issue.File = le.Pos.Filename()
		issue.Line = le.Pos.Line()
	}
	return issue
}

func issueFromEngineError(err error) ValidationIssue {
	var ce *record.ConfigError
	if errors.As(err, &ce) {
		msg := ce.Message
		if ce.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, ce.Err)
		}
		return ValidationIssue{Code: string(ce.Code), Record: ce.Record, Field: ce.Field, Message: msg}
	}
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		return ValidationIssue{Code: string(re.Code), Record: re.Record, Message: re.Message}
	}
	return ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()}
}

func outputValidationErrors(formatter *OutputFormatter, result *ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	first := result.Errors[0]
	if formatter.JSON() {
		if err := formatter.Response(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: first.Code, Message: first.Message},
		}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range result.Errors {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		where := issue.Record
		if issue.Field != "" {
			where += "." + issue.Field
		}
		if where != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, where, issue.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
		}
	}
	return exitErr
}
