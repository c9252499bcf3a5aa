package lifecycle

import (
	"fmt"

	"github.com/docflowhq/docflow/pkg/types"
)

// transitions is the set of legal status edges. Terminal states have no
// outgoing edges and are therefore absorbing.
var transitions = map[types.TaskStatus]map[types.TaskStatus]bool{
	types.TaskStatusPending: {
		types.TaskStatusProcessing: true,
		types.TaskStatusFailed:     true,
		types.TaskStatusCancelled:  true,
	},
	types.TaskStatusProcessing: {
		types.TaskStatusCompleted: true,
		types.TaskStatusFailed:    true,
		types.TaskStatusRetrying:  true,
		types.TaskStatusCancelled: true,
	},
	types.TaskStatusRetrying: {
		types.TaskStatusProcessing: true,
		types.TaskStatusFailed:     true,
		types.TaskStatusCancelled:  true,
	},
}

// Terminal reports whether a status is absorbing.
func Terminal(s types.TaskStatus) bool {
	switch s {
	case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to types.TaskStatus) bool {
	return transitions[from][to]
}

// Validate returns an error describing an illegal transition, or nil.
func Validate(from, to types.TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal task transition: %s -> %s", from, to)
	}
	return nil
}
