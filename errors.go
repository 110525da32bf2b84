package coap

import (
	"errors"

	"github.com/mnazarim/CoAP/mux"
)

// Error taxonomy for the request/response layer (spec.md section 7).
// Each carries a machine-readable sentinel in addition to its text so
// callers can switch on errors.Is rather than string matching, the
// same discipline the oscore package's own error set follows.
var (
	ErrRequestTimedOut    = errors.New("coap: request timed out")
	ErrNetworkError       = errors.New("coap: network error")
	ErrLibraryShutdown    = errors.New("coap: library shut down")
	ErrRequestCancelled   = errors.New("coap: request cancelled")
	ErrUnexpectedBlock    = errors.New("coap: unexpected block option")
	ErrNoMatchingResponse = errors.New("coap: response did not match any outstanding request")
)

// ConstructionRenderableError is raised by a handler that wants to
// render a specific CoAP response (spec.md section 7,
// "ConstructionRenderableError ... carries a CoAP response").
type ConstructionRenderableError struct {
	Response *mux.Response
	Reason   string
}

func (e *ConstructionRenderableError) Error() string { return "coap: " + e.Reason }
