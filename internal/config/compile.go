package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ioccore/internal/record"
)

// CompileError is a problem with one record declaration.
type CompileError struct {
	Record  string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.where(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.where(), e.Message)
}

func (e *CompileError) where() string {
	if e.Field != "" {
		return e.Record + "." + e.Field
	}
	return e.Record
}

// CompileRecord converts one value under "record" into a record.Def. The
// value must already be unified with the schema.
func CompileRecord(name string, v cue.Value) (*record.Def, error) {
	if name == "" || strings.ContainsAny(name, ". \t\n") {
		return nil, &CompileError{
			Record:  name,
			Message: "record name must be non-empty and contain no dots or spaces",
			Pos:     v.Pos(),
		}
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(name, err)
	}

	def := &record.Def{Name: name}
	var err error
	if def.Type, err = v.LookupPath(cue.ParsePath("type")).String(); err != nil {
		return nil, formatCUEError(name, err)
	}
	if def.Scan, err = optionalString(v, "scan"); err != nil {
		return nil, formatCUEError(name, err)
	}
	if def.DTYP, err = optionalString(v, "dtyp"); err != nil {
		return nil, formatCUEError(name, err)
	}
	if def.Desc, err = optionalString(v, "desc"); err != nil {
		return nil, formatCUEError(name, err)
	}
	if pini := v.LookupPath(cue.ParsePath("pini")); pini.Exists() {
		if def.PINI, err = pini.Bool(); err != nil {
			return nil, formatCUEError(name, err)
		}
	}

	fields := v.LookupPath(cue.ParsePath("fields"))
	if !fields.Exists() {
		return def, nil
	}
	iter, err := fields.Fields()
	if err != nil {
		return nil, formatCUEError(name, err)
	}
	def.Fields = make(map[string]any)
	for iter.Next() {
		fv, err := fieldValue(iter.Value())
		if err != nil {
			return nil, &CompileError{Record: name, Field: iter.Label(), Message: err.Error(), Pos: iter.Value().Pos()}
		}
		def.Fields[iter.Label()] = fv
	}
	return def, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	return f.String()
}

// fieldValue maps a concrete CUE scalar to the Go value record.Configure
// expects. Integers stay integers so enumerated and counter fields keep
// their type.
func fieldValue(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.StringKind:
		return v.String()
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	default:
		return nil, fmt.Errorf("unsupported value kind %s", v.Kind())
	}
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Record: name, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Record: name, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
