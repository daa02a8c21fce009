package api

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// PacingTransport spaces outgoing requests at least delay apart, shared by
// every goroutine using the transport.
type PacingTransport struct {
	Transport http.RoundTripper
	limiter   *rate.Limiter
}

// NewPacingTransport wraps transport. A non-positive delay disables pacing.
func NewPacingTransport(transport http.RoundTripper, delay time.Duration) *PacingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	pt := &PacingTransport{Transport: transport}
	if delay > 0 {
		pt.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return pt
}

// RoundTrip waits for a pacing token, then forwards req.
func (t *PacingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.Transport.RoundTrip(req)
}
