package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInState is returned when a row already reached (or passed)
	// the requested status.
	ErrAlreadyInState = errors.New("entry already in requested state")
	// ErrInvalidTransition is returned when the target status does not
	// belong to the row's lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownAction is returned for action names outside the action table.
	ErrUnknownAction = errors.New("unknown action")
)

// transitions lists, per row type, the states reachable from each state.
// Forward skips are allowed; states absent from a chain cannot be entered.
var transitions = map[Type]map[Status][]Status{
	TypeReceive: {
		StatusPending:  {StatusReceived, StatusVerified},
		StatusReceived: {StatusVerified},
		StatusVerified: nil,
	},
	TypeDistribute: {
		StatusPending:   {StatusConfirmed, StatusSent, StatusDelivered},
		StatusConfirmed: {StatusSent, StatusDelivered},
		StatusSent:      {StatusDelivered},
		StatusDelivered: nil,
	},
}

// actions maps the action names accepted by the status endpoints to target
// statuses, per row type.
var actions = map[Type]map[string]Status{
	TypeReceive: {
		"mark-received": StatusReceived,
		"verify":        StatusVerified,
	},
	TypeDistribute: {
		"confirm":        StatusConfirmed,
		"mark-sent":      StatusSent,
		"mark-delivered": StatusDelivered,
	},
}

// CheckTransition validates moving a row of type t from current to target.
func CheckTransition(t Type, current, target Status) error {
	chain, ok := transitions[t]
	if !ok {
		return fmt.Errorf("%w: %s rows have no lifecycle", ErrInvalidTransition, t)
	}
	next, ok := chain[current]
	if !ok {
		return fmt.Errorf("%w: %s is not a %s state", ErrInvalidTransition, current, t)
	}
	if _, ok := chain[target]; !ok {
		return fmt.Errorf("%w: %s is not a %s state", ErrInvalidTransition, target, t)
	}
	for _, s := range next {
		if s == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAlreadyInState, current)
}

// ActionTarget resolves an action name for rows of type t.
func ActionTarget(t Type, action string) (Status, error) {
	target, ok := actions[t][action]
	if !ok {
		return "", fmt.Errorf("%w %q for %s rows", ErrUnknownAction, action, t)
	}
	return target, nil
}
