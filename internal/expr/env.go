// Package expr compiles the CEL predicates used to filter the catalog. Every
// program sees a single variable, `product`, built by refine.Activation.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// maxCost bounds a single evaluation; a predicate runs once per product on
// every list update.
const maxCost = 10_000

var productType = cel.MapType(cel.StringType, cel.DynType)

// Environment compiles catalog predicates. It is immutable after construction
// and safe for concurrent use.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares `product` and the catalog helpers:
//
//	lookup(map, key)                      value or null
//	inCategory(product, slug)             bool
//	hasAttribute(product, name, value)    bool
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("product", productType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{productType, cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
		cel.Function("inCategory",
			cel.Overload("in_category_product_string",
				[]*cel.Type{productType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(inCategory),
			),
		),
		cel.Function("hasAttribute",
			cel.Overload("has_attribute_product_string_string",
				[]*cel.Type{productType, cel.StringType, cel.StringType},
				cel.BoolType,
				cel.FunctionBinding(hasAttribute),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled predicate. The zero value fails every evaluation.
type Program struct {
	source  string
	program cel.Program
}

// Compile type-checks expression and rejects anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	switch out := ast.OutputType(); out {
	case cel.BoolType, cel.DynType:
	default:
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(out))
	}
	program, err := e.env.Program(ast, cel.CostLimit(maxCost))
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Program{source: source, program: program}, nil
}

// EvalBool runs the predicate. A dyn-typed expression that produces a
// non-bool value at runtime is an error, not a false match.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, errors.New("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", p.source, val.Type().TypeName())
}

// Source returns the trimmed expression text.
func (p Program) Source() string { return p.source }

func field(v ref.Val, key string) (ref.Val, bool) {
	mapper, ok := v.(traits.Mapper)
	if !ok {
		return nil, false
	}
	val, found := mapper.Find(types.String(key))
	if !found || val == nil {
		return nil, false
	}
	return val, true
}

func lookup(m, key ref.Val) ref.Val {
	mapper, ok := m.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup needs a map")
	}
	val, found := mapper.Find(key)
	if !found || val == nil {
		return types.NullValue
	}
	return val
}

func contains(list ref.Val, want ref.Val) ref.Val {
	lister, ok := list.(traits.Lister)
	if !ok {
		return types.False
	}
	if b, ok := lister.Contains(want).(types.Bool); ok {
		return b
	}
	return types.False
}

func inCategory(product, slug ref.Val) ref.Val {
	categories, ok := field(product, "categories")
	if !ok {
		return types.False
	}
	return contains(categories, slug)
}

func hasAttribute(args ...ref.Val) ref.Val {
	if len(args) != 3 {
		return types.NewErr("expr: hasAttribute takes 3 arguments")
	}
	name, ok := args[1].(types.String)
	if !ok {
		return types.NewErr("expr: hasAttribute name must be a string")
	}
	attributes, ok := field(args[0], "attributes")
	if !ok {
		return types.False
	}
	values, ok := field(attributes, string(name))
	if !ok {
		return types.False
	}
	return contains(values, args[2])
}
