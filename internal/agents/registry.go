package agents

import (
	"fmt"
	"strings"
)

// NotFoundError reports a lookup for an agent the registry does not hold.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Ref)
}

// Registry maps typed agent references to task-agent handles. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	byEndpoint map[string]*TaskAgent // "name:version"
	byName     map[string]*TaskAgent // bare name, first registration wins
	byID       map[string]*TaskAgent
	agents     []Agent
}

// NewRegistry builds a registry over the given agents.
func NewRegistry(gateway *Gateway, agents []Agent) *Registry {
	r := &Registry{
		byEndpoint: make(map[string]*TaskAgent, len(agents)),
		byName:     make(map[string]*TaskAgent, len(agents)),
		byID:       make(map[string]*TaskAgent, len(agents)),
	}
	for _, agent := range agents {
		handle := NewTaskAgent(agent, gateway)
		r.byEndpoint[agent.Endpoint()] = handle
		if _, exists := r.byName[agent.Name]; !exists {
			r.byName[agent.Name] = handle
		}
		if agent.ID != "" {
			r.byID[agent.ID] = handle
		}
		r.agents = append(r.agents, agent)
	}
	return r
}

// Agents lists the registered agent identities, for the manager's benefit.
func (r *Registry) Agents() []Agent {
	out := make([]Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

// Resolve looks up an agent by "name:version" or bare name. A miss returns
// a typed NotFoundError, never a panic.
func (r *Registry) Resolve(ref string) (*TaskAgent, error) {
	if ref == "" {
		return nil, &NotFoundError{Ref: "(empty)"}
	}
	if strings.Contains(ref, ":") {
		if handle, ok := r.byEndpoint[ref]; ok {
			return handle, nil
		}
		return nil, &NotFoundError{Ref: ref}
	}
	if handle, ok := r.byName[ref]; ok {
		return handle, nil
	}
	return nil, &NotFoundError{Ref: ref}
}

// ResolveID looks up an agent by its opaque id, as plan tasks reference it.
func (r *Registry) ResolveID(id string) (*TaskAgent, error) {
	if handle, ok := r.byID[id]; ok {
		return handle, nil
	}
	return nil, &NotFoundError{Ref: id}
}
