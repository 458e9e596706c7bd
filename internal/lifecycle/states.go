// Package lifecycle drives instances through their states.
//
// State transitions:
//
//	cloning → stopped → launched → running → terminating → stopped
//	launched → failed → stopped (reset)
//	stopped | failed → trashed → (deleted)
//
// The orchestrator owns cloning→stopped, launched→running|failed,
// terminating→stopped and trashed→deleted. Users request the rest.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ewiger/picostack/internal/registry"
)

var (
	// ErrInvalidTransition rejects a request that has no edge from the
	// instance's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict means the instance changed state while a request was
	// being applied.
	ErrConflict = errors.New("instance state changed concurrently")

	// ErrUnknownAction rejects an unrecognised request name.
	ErrUnknownAction = errors.New("unknown action")
)

var edges = map[registry.State][]registry.State{
	registry.StateCloning:     {registry.StateStopped},
	registry.StateStopped:     {registry.StateLaunched, registry.StateTrashed},
	registry.StateLaunched:    {registry.StateRunning, registry.StateFailed},
	registry.StateRunning:     {registry.StateTerminating},
	registry.StateTerminating: {registry.StateStopped},
	registry.StateFailed:      {registry.StateStopped, registry.StateTrashed},
}

// CanTransition reports whether from→to is an edge of the state graph.
func CanTransition(from, to registry.State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is a user request.
type Action string

const (
	ActionLaunch    Action = "launch"
	ActionTerminate Action = "terminate"
	ActionTrash     Action = "trash"
	ActionReset     Action = "reset"
)

// requests maps each action to its allowed source states and target.
var requests = map[Action]struct {
	from []registry.State
	to   registry.State
}{
	ActionLaunch:    {[]registry.State{registry.StateStopped}, registry.StateLaunched},
	ActionTerminate: {[]registry.State{registry.StateRunning}, registry.StateTerminating},
	ActionTrash:     {[]registry.State{registry.StateStopped, registry.StateFailed}, registry.StateTrashed},
	ActionReset:     {[]registry.State{registry.StateFailed}, registry.StateStopped},
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := requests[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// mustBeIn panics when inst is not in want. A mismatch means the
// registry and the orchestrator disagree about the instance.
func mustBeIn(inst *registry.Instance, want registry.State, transition string) {
	if inst.State != want {
		panic(fmt.Sprintf("lifecycle: %s on instance %s in state %q, want %q", transition, inst.Name, inst.State, want))
	}
}
