package scan

import "github.com/zombor/nutriscan/internal/nutrition"

// Phase is the lifecycle stage of the orchestrator
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// State is the observable scan state. Progress is only set while running;
// Result and Error survive until cleared or a new scan starts.
type State struct {
	Phase    Phase             `json:"phase"`
	Progress string            `json:"progress,omitempty"`
	Result   *nutrition.Record `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Warning  string            `json:"warning,omitempty"`
}

// Terminal reports whether the last scan has finished
func (s State) Terminal() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// settled drops a terminal state back to idle once nothing is left to show
func (s State) settled() State {
	if s.Terminal() && s.Result == nil && s.Error == "" && s.Warning == "" {
		return State{Phase: PhaseIdle}
	}
	return s
}
