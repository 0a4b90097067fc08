package scenario

import "context"

// SimulationRequest carries the runtime hints handed to the simulation/judge
// collaborator when a scenario is created.
type SimulationRequest struct {
	TenantID  string
	AgentName string
	Action    string
	Preset    string
	Hints     map[string]any
}

// SimulationResult is the collaborator's view of the seeded runtime.
type SimulationResult struct {
	RuntimeState  map[string]any
	ScenarioTrace []TraceRecord
}

// Simulator is the external simulation/judge engine. Scenario creation must
// never fail solely because this collaborator is unavailable: any error is
// absorbed into a degraded fallback runtime state.
type Simulator interface {
	Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error)
}

// SimulatorFunc adapts a function to the Simulator interface.
type SimulatorFunc func(ctx context.Context, req SimulationRequest) (SimulationResult, error)

// Simulate calls f.
func (f SimulatorFunc) Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
	return f(ctx, req)
}
