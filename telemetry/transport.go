package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport meters the outbound HTTP calls the registry
// makes on its own behalf, which today means webhook notification
// deliveries. Every round trip lands in the outbound-request
// instruments under the given target label, with the response body
// byte count attributed once the sink drains or closes it.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport creates a new instrumented transport for a target.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			// a rule's delivery timeout fired, not the endpoint failing
			outcome = "canceled"
		}
		RecordOutboundRequest(req.Context(), t.target, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		target:     t.target,
		start:      start,
		outcome:    deliveryOutcome(resp.StatusCode),
	}
	return resp, nil
}

// deliveryOutcome buckets a delivery response status. A 4xx means the
// endpoint rejected the event, a 5xx means it could not take it.
func deliveryOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// meteredBody defers recording until the delivery response is consumed,
// so duration covers the full exchange and the byte count is accurate.
type meteredBody struct {
	io.ReadCloser
	ctx      context.Context
	target   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordOutboundRequest(b.ctx, b.target, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
