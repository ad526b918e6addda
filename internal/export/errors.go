package export

import "errors"

var (
	// ErrDeliveryFailure indicates the sink could not persist the document.
	ErrDeliveryFailure = errors.New("export: delivery failed")

	// ErrUnknownFormat indicates an output format other than csv or json.
	ErrUnknownFormat = errors.New("export: unknown format")
)
