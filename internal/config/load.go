package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ioccore/internal/record"
)

//go:embed schema.cue
var schemaSource []byte

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Error codes for loading.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	ErrCodeBadRecord = "E101" // Record violates the schema
	ErrCodeBadField  = "E102" // Field value cannot be used
	ErrCodeNoRecords = "E103" // Nothing declared under "record"
)

// LoadResult is a compiled record database.
type LoadResult struct {
	Defs      []record.Def
	Value     cue.Value // unified with the schema
	FileCount int
}

// LoadError is an error that occurred while loading a database.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load loads and compiles the CUE files in dir. With LoadModeFailFast it
// returns on the first error; with LoadModeCollectAll every record is
// compiled and all errors are returned alongside the records that
// compiled.
func Load(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("database directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing database directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	result, errs := compile(ctx, value, mode)
	if result != nil {
		result.FileCount = len(files)
	}
	return result, errs
}

// LoadSource compiles a database held in memory. filename is used in
// error positions.
func LoadSource(filename, src string, mode LoadMode) (*LoadResult, []error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename(filename))
	result, errs := compile(ctx, value, mode)
	if result != nil {
		result.FileCount = 1
	}
	return result, errs
}

func compile(ctx *cue.Context, value cue.Value, mode LoadMode) (*LoadResult, []error) {
	if err := value.Err(); err != nil {
		return nil, []error{buildError(err)}
	}
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building schema: %v", err)}}
	}
	value = schema.Unify(value)
	result := &LoadResult{Value: value}

	var errs []error
	records := value.LookupPath(cue.ParsePath("record"))
	if records.Exists() {
		iter, err := records.Fields()
		if err != nil {
			errs = append(errs, buildError(err))
			return result, errs
		}
		for iter.Next() {
			def, err := CompileRecord(iter.Label(), iter.Value())
			if err != nil {
				errs = append(errs, convertCompileError(err))
				if mode == LoadModeFailFast {
					return result, errs
				}
				continue
			}
			result.Defs = append(result.Defs, *def)
		}
	}
	sort.Slice(result.Defs, func(i, j int) bool { return result.Defs[i].Name < result.Defs[j].Name })

	if len(result.Defs) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoRecords, Message: "no records declared"})
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func buildError(err error) *LoadError {
	le := &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	var ce *CompileError
	if e := formatCUEError("", err); errors.As(e, &ce) {
		le.Pos = ce.Pos
	}
	return le
}

func convertCompileError(err error) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		code := ErrCodeBadRecord
		if ce.Field != "" {
			code = ErrCodeBadField
		}
		return &LoadError{Code: code, Message: ce.where() + ": " + ce.Message, Pos: ce.Pos}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}
