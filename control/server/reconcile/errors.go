package reconcile

import "fmt"

// TranslationError is a single agent that could not be mapped onto the
// registry. It never aborts a cycle.
type TranslationError struct {
	AgentID string
	Err     error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("agent %q: %v", e.AgentID, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}
