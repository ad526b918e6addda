package roster

import "errors"

var (
	// ErrPanelUnavailable indicates the participant list could not be located
	// or opened. Callers surface it as "not in a trackable state".
	ErrPanelUnavailable = errors.New("roster: participant panel unavailable")
)
