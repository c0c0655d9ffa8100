package domain

import "fmt"

// InvalidTransitionError reports an operation requested on a directive in the
// wrong lifecycle state. It is terminal for the call, never retried.
type InvalidTransitionError struct {
	DirectiveID string
	From        string
	To          string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("directive %s: invalid status transition %s -> %s", e.DirectiveID, e.From, e.To)
}
