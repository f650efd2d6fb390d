package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by fetchers, extractors, sinks and the engine.
var (
	ErrTransientNetwork   = errors.New("transient network error")
	ErrRateLimited        = errors.New("rate limited")
	ErrTerminalHTTP       = errors.New("terminal http status")
	ErrFetchExhausted     = errors.New("fetch attempts exhausted")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrParseStructure     = errors.New("unexpected page structure")
	ErrNoPagination       = fmt.Errorf("%w: no pagination element", ErrParseStructure)
	ErrDB                 = errors.New("database error")
	ErrIO                 = errors.New("io error")
	ErrPageCountDiscovery = errors.New("page count discovery failed")
	ErrExport             = errors.New("catalog export failed")
)

// HTTPStatusError reports a non-200 response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Is maps 403 to ErrRateLimited and every other status to ErrTerminalHTTP.
func (e *HTTPStatusError) Is(target error) bool {
	if e.StatusCode == http.StatusForbidden {
		return target == ErrRateLimited
	}
	return target == ErrTerminalHTTP
}
