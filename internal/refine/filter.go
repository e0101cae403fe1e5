package refine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/l0p7/storefront/internal/catalog"
	"github.com/l0p7/storefront/internal/expr"
)

// Filter keeps products matching every configured CEL predicate.
type Filter struct {
	env *expr.Environment

	mu         sync.RWMutex
	predicates map[string]expr.Program
}

// NewFilter compiles predicates with env.
func NewFilter(env *expr.Environment) *Filter {
	return &Filter{env: env, predicates: make(map[string]expr.Program)}
}

func (f *Filter) Name() string { return "filter" }

// Active reports whether at least one predicate is set.
func (f *Filter) Active() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.predicates) > 0
}

// Set compiles and installs a named predicate, replacing any previous one.
func (f *Filter) Set(name, expression string) error {
	if name == "" {
		return fmt.Errorf("refine: filter name required")
	}
	program, err := f.env.Compile(expression)
	if err != nil {
		return fmt.Errorf("refine: filter %s: %w", name, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicates[name] = program
	return nil
}

// Replace swaps the whole predicate set. Nothing changes if any expression fails to compile.
func (f *Filter) Replace(expressions map[string]string) error {
	next := make(map[string]expr.Program, len(expressions))
	for name, expression := range expressions {
		program, err := f.env.Compile(expression)
		if err != nil {
			return fmt.Errorf("refine: filter %s: %w", name, err)
		}
		next[name] = program
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicates = next
	return nil
}

// Remove drops the named predicate, if present.
func (f *Filter) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.predicates, name)
}

// Expressions lists the active predicates by name.
func (f *Filter) Expressions() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.predicates))
	for name, program := range f.predicates {
		out[name] = program.Source()
	}
	return out
}

// Apply keeps the products that satisfy every predicate. The first
// evaluation error aborts the stage.
func (f *Filter) Apply(products []catalog.Product) ([]catalog.Product, error) {
	f.mu.RLock()
	names := make([]string, 0, len(f.predicates))
	for name := range f.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	programs := make([]expr.Program, 0, len(names))
	for _, name := range names {
		programs = append(programs, f.predicates[name])
	}
	f.mu.RUnlock()

	out := make([]catalog.Product, 0, len(products))
	for _, p := range products {
		vars := Activation(p)
		keep := true
		for _, program := range programs {
			ok, err := program.EvalBool(vars)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	return out, nil
}
