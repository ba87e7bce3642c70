package uia

import (
	"context"
	"fmt"
)

// Resolver narrows policy flows to those a particular user must complete.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve returns the flows userID must satisfy for ep. An empty userID
// leaves flows untouched. Flows containing a stage the user is not enrolled
// in are dropped; if none survive, ErrNoFlows is returned. Surviving flows
// lose the stages that are not currently required, so a returned flow with
// no stages means the requirement is already met.
func (r *Resolver) Resolve(ctx context.Context, flows []Flow, userID string, ep Endpoint) ([]Flow, error) {
	for _, f := range flows {
		for _, stage := range f.Stages {
			if _, err := r.registry.mustLookup(stage); err != nil {
				return nil, err
			}
		}
	}
	if userID == "" {
		return cloneFlows(flows), nil
	}

	var enrolled []Flow
	for _, f := range flows {
		ok, err := r.userEnrolledInFlow(ctx, f, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			enrolled = append(enrolled, f)
		}
	}
	if len(enrolled) == 0 {
		return nil, ErrNoFlows
	}

	out := make([]Flow, 0, len(enrolled))
	for _, f := range enrolled {
		required := Flow{Stages: []string{}}
		for _, stage := range f.Stages {
			c, _ := r.registry.Lookup(stage)
			need, err := c.IsRequired(ctx, userID, ep, stage)
			if err != nil {
				return nil, fmt.Errorf("checking whether %s is required: %w", stage, err)
			}
			if need {
				required.Stages = append(required.Stages, stage)
			}
		}
		out = append(out, required)
	}
	return out, nil
}

func (r *Resolver) userEnrolledInFlow(ctx context.Context, f Flow, userID string) (bool, error) {
	for _, stage := range f.Stages {
		c, _ := r.registry.Lookup(stage)
		ok, err := c.IsUserEnrolled(ctx, userID, stage)
		if err != nil {
			return false, fmt.Errorf("checking enrollment for %s: %w", stage, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// AnySatisfied reports whether some flow in flows is already satisfied by
// completed. A flow with no stages is always satisfied.
func AnySatisfied(flows []Flow, completed []string) bool {
	for _, f := range flows {
		if f.SatisfiedBy(completed) {
			return true
		}
	}
	return false
}
