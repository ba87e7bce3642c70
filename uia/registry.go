package uia

import (
	"fmt"
	"slices"
)

// Registry maps each stage id to the single checker that implements it.
type Registry struct {
	byStage  map[string]Checker
	checkers []Checker
}

// NewRegistry indexes checkers by the stages they declare. Two checkers
// claiming the same stage is an error.
func NewRegistry(checkers ...Checker) (*Registry, error) {
	r := &Registry{byStage: make(map[string]Checker)}
	for _, c := range checkers {
		for _, stage := range c.SupportedAuthTypes() {
			if _, dup := r.byStage[stage]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, stage)
			}
			r.byStage[stage] = c
		}
		r.checkers = append(r.checkers, c)
	}
	return r, nil
}

// Lookup returns the checker for stage.
func (r *Registry) Lookup(stage string) (Checker, bool) {
	c, ok := r.byStage[stage]
	return c, ok
}

func (r *Registry) mustLookup(stage string) (Checker, error) {
	c, ok := r.byStage[stage]
	if !ok {
		return nil, Misconfigured(fmt.Errorf("%w: %s", ErrUnknownStage, stage))
	}
	return c, nil
}

// Stages returns every registered stage id, sorted.
func (r *Registry) Stages() []string {
	out := make([]string, 0, len(r.byStage))
	for s := range r.byStage {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Checkers returns the registered checkers in registration order.
func (r *Registry) Checkers() []Checker {
	return slices.Clone(r.checkers)
}

// Validate checks that every stage named by p has a checker.
func (r *Registry) Validate(p Policy) error {
	for _, stage := range p.Stages() {
		if _, ok := r.byStage[stage]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
		}
	}
	return nil
}
