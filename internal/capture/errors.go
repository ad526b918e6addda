package capture

import (
	"context"
	"errors"

	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
)

var (
	// ErrNoParticipantsFound indicates the panel was readable but held no rows.
	ErrNoParticipantsFound = errors.New("capture: no participants found")
)

// UserMessage maps a capture error to a short message for end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, roster.ErrPanelUnavailable):
		return "Not in meeting. Make sure the participants panel is accessible."
	case errors.Is(err, ErrNoParticipantsFound):
		return "No participants found. Make sure the participants panel is accessible."
	case errors.Is(err, context.DeadlineExceeded):
		return "Meeting page did not respond in time."
	case errors.Is(err, export.ErrDeliveryFailure):
		return err.Error()
	case errors.Is(err, export.ErrUnknownFormat):
		return "Unsupported output format."
	}
	return "Failed to capture attendance."
}
