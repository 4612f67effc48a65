// Package calc evaluates CALC and OCAL expressions.
//
// An expression is a CUE expression over the inputs A through L, all
// numbers. Boolean results read as 1 and 0. The math package is available
// as math.Sqrt(A) and so on. Any NaN or infinite input referenced by the
// expression makes the result NaN without evaluating.
package calc

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"
)

// Inputs holds the values of A through L.
type Inputs [12]float64

var names = [12]string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}

// importable lists the CUE standard packages expressions may use.
var importable = map[string]bool{"math": true}

// ErrEmpty is returned by Compile for a blank expression.
var ErrEmpty = errors.New("empty expression")

// Error is a compile or evaluation failure.
type Error struct {
	Expr string
	Pos  string
	Err  error
}

func (e *Error) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("calc %q at %s: %v", e.Expr, e.Pos, e.Err)
	}
	return fmt.Sprintf("calc %q: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Program is a compiled expression. It is safe for concurrent use.
type Program struct {
	expr string
	uses [12]bool

	mu     sync.Mutex
	ctx    *cue.Context
	base   cue.Value
	result cue.Path
}

// Compile parses and type-checks expr.
func Compile(expr string) (*Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &Error{Expr: expr, Err: ErrEmpty}
	}

	node, err := parser.ParseExpr("calc", expr)
	if err != nil {
		return nil, wrap(expr, err)
	}

	p := &Program{expr: expr, result: cue.ParsePath("result")}
	imports := map[string]bool{}
	ast.Walk(node, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.SelectorExpr:
			if id, ok := x.X.(*ast.Ident); ok && importable[id.Name] {
				imports[id.Name] = true
			}
		case *ast.Ident:
			for i, name := range names {
				if x.Name == name {
					p.uses[i] = true
				}
			}
		}
		return true
	}, nil)

	var src strings.Builder
	for pkg := range imports {
		fmt.Fprintf(&src, "import %q\n", pkg)
	}
	for _, name := range names {
		fmt.Fprintf(&src, "%s: number\n", name)
	}
	fmt.Fprintf(&src, "result: %s\n", expr)

	p.ctx = cuecontext.New()
	p.base = p.ctx.CompileString(src.String(), cue.Filename("calc.cue"))
	if err := p.base.Err(); err != nil {
		return nil, wrap(expr, err)
	}
	if err := p.base.Validate(); err != nil {
		return nil, wrap(expr, err)
	}
	return p, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(expr string) *Program {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func wrap(expr string, err error) *Error {
	e := &Error{Expr: expr, Err: err}
	for _, ce := range cueerrors.Errors(err) {
		if pos := ce.Position(); pos.IsValid() {
			e.Pos = pos.String()
			break
		}
	}
	return e
}

// String returns the source expression.
func (p *Program) String() string { return p.expr }

// Uses reports whether the expression references input i (0 for A).
func (p *Program) Uses(i int) bool { return i >= 0 && i < len(p.uses) && p.uses[i] }

// Eval evaluates the expression.
func (p *Program) Eval(in Inputs) (float64, error) {
	for i, used := range p.uses {
		if used && (math.IsNaN(in[i]) || math.IsInf(in[i], 0)) {
			return math.NaN(), nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.base
	for i, used := range p.uses {
		if used {
			v = v.FillPath(cue.ParsePath(names[i]), in[i])
		}
	}
	res := v.LookupPath(p.result)
	if err := res.Err(); err != nil {
		return math.NaN(), wrap(p.expr, err)
	}

	switch res.Kind() {
	case cue.BoolKind:
		b, err := res.Bool()
		if err != nil {
			return math.NaN(), wrap(p.expr, err)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case cue.IntKind, cue.FloatKind, cue.NumberKind:
		f, err := res.Float64()
		if err != nil {
			return math.NaN(), wrap(p.expr, err)
		}
		return f, nil
	}
	return math.NaN(), &Error{Expr: p.expr, Err: fmt.Errorf("result is %s, not a number", res.Kind())}
}
