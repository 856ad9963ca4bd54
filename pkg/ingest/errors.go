package ingest

import (
	"errors"

	"github.com/briandastous/bdx/pkg/engineerr"
)

// classifyAPIFailure maps a typed upstream/engineerr error to the
// (last_api_status, last_api_error) fields an ingest run records on failure
// (spec §4.4 step 6, §7).
func classifyAPIFailure(err error) (status int, body string) {
	var rl *engineerr.RateLimitError
	var req *engineerr.UpstreamRequestError
	var unexpected *engineerr.UpstreamUnexpectedResponseError
	var transport *engineerr.TransportError

	switch {
	case errors.As(err, &rl):
		return 429, rl.Error()
	case errors.As(err, &req):
		return req.Status, req.Body
	case errors.As(err, &unexpected):
		return unexpected.Status, unexpected.Reason
	case errors.As(err, &transport):
		return 0, transport.Error()
	default:
		return 0, err.Error()
	}
}
