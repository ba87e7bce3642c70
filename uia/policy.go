package uia

import (
	"slices"
	"strings"
)

// Flow is a set of stages that together satisfy a policy. Declaration order
// only affects the order in which parameters are advertised.
type Flow struct {
	Stages []string `json:"stages" yaml:"stages"`
}

// SatisfiedBy reports whether every stage of the flow is in completed.
func (f Flow) SatisfiedBy(completed []string) bool {
	for _, s := range f.Stages {
		if !slices.Contains(completed, s) {
			return false
		}
	}
	return true
}

// Has reports whether stage belongs to the flow.
func (f Flow) Has(stage string) bool {
	return slices.Contains(f.Stages, stage)
}

func cloneFlows(flows []Flow) []Flow {
	out := make([]Flow, len(flows))
	for i, f := range flows {
		out[i] = Flow{Stages: slices.Clone(f.Stages)}
	}
	return out
}

// Route binds an endpoint to its acceptable flows.
type Route struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Flows  []Flow `yaml:"flows"`
}

// Policy is the read-only mapping from endpoint to acceptable flows.
type Policy struct {
	Routes  []Route
	Default []Flow
}

// Route returns the route configured for ep, if any. Paths match
// case-sensitively on the path relative to the client API version prefix.
func (p Policy) Route(ep Endpoint) (Route, bool) {
	for _, r := range p.Routes {
		if strings.EqualFold(r.Method, ep.Method) && r.Path == ep.Path {
			return r, true
		}
	}
	return Route{}, false
}

// FlowsFor returns a copy of the flows for ep, falling back to Default.
func (p Policy) FlowsFor(ep Endpoint) []Flow {
	if r, ok := p.Route(ep); ok {
		return cloneFlows(r.Flows)
	}
	return cloneFlows(p.Default)
}

// Stages returns every distinct stage named anywhere in the policy.
func (p Policy) Stages() []string {
	var out []string
	add := func(flows []Flow) {
		for _, f := range flows {
			for _, s := range f.Stages {
				if !slices.Contains(out, s) {
					out = append(out, s)
				}
			}
		}
	}
	for _, r := range p.Routes {
		add(r.Flows)
	}
	add(p.Default)
	return out
}
