package pool

import (
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/infra/storage"
)

// State is an alias for domain.Status for internal use.
type State = domain.Status

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.StatusAvailable: {domain.StatusInUse, domain.StatusExpired},
	domain.StatusInUse: {
		domain.StatusAvailable,
		domain.StatusCoolingDown,
		domain.StatusDisabled,
		domain.StatusExpired,
	},
	domain.StatusCoolingDown: {domain.StatusAvailable},
	domain.StatusDisabled:    {domain.StatusAvailable},
	domain.StatusExpired:     {domain.StatusAvailable},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition is one recorded status change of a credential.
type Transition struct {
	Key    string // masked
	From   State
	To     State
	Reason string
	At     time.Time
}

// NewTransition creates a transition record for credential id.
func NewTransition(id string, from, to State, reason string, at time.Time) Transition {
	return Transition{
		Key:    domain.MaskKey(id),
		From:   from,
		To:     to,
		Reason: reason,
		At:     at,
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// LogValue groups the transition for structured logs.
func (t Transition) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", t.Key),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("reason", t.Reason),
	)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.StatusAvailable:
		return "Available - eligible for selection"
	case domain.StatusInUse:
		return "In use - locked by an in-flight request"
	case domain.StatusCoolingDown:
		return "Cooling down - resting after a transient failure"
	case domain.StatusDisabled:
		return "Disabled - rejected by upstream, needs reactivation"
	case domain.StatusExpired:
		return "Expired - daily quota spent, needs reactivation"
	default:
		return "Unknown state"
	}
}

func bucket(s State) storage.Bucket {
	return storage.Bucket(s)
}
