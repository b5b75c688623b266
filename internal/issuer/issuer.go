// Package issuer sends single HTTP requests and classifies their outcome.
package issuer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorKind classifies a failed request
type ErrorKind int

const (
	KindNone       ErrorKind = iota
	KindTransport            // connection refused, reset, timeout, TLS failure
	KindStatus               // response status outside the accepted ranges
	KindValidation           // body check failed
	KindAborted              // cancelled by the hard shutdown deadline

	// NumKinds is the number of ErrorKind values, used to size counter arrays
	NumKinds
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindValidation:
		return "validation"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one request
type Outcome struct {
	Success    bool
	Latency    time.Duration
	Kind       ErrorKind
	StatusCode int
	Err        string // human-readable failure detail, empty on success
}

// Target describes the request every lane sends
type Target struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Issuer sends requests for one lane over that lane's transport
type Issuer struct {
	target    Target
	transport Transport
	policy    Policy
}

// New creates an issuer. The policy is compiled here so a malformed
// expression fails before traffic starts.
func New(target Target, transport Transport, policy Policy) (*Issuer, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if target.Method == "" {
		target.Method = http.MethodGet
	}
	if err := policy.Compile(); err != nil {
		return nil, err
	}
	return &Issuer{target: target, transport: transport, policy: policy}, nil
}

// Issue sends one request and always resolves to an Outcome. The response
// body is read to EOF and closed so the connection returns to the pool.
func (i *Issuer) Issue(ctx context.Context) Outcome {
	start := time.Now()

	var body io.Reader
	if i.target.Body != "" {
		body = bytes.NewBufferString(i.target.Body)
	}

	req, err := http.NewRequestWithContext(ctx, i.target.Method, i.target.URL, body)
	if err != nil {
		return Outcome{
			Kind: KindTransport,
			Err:  fmt.Sprintf("failed to create request: %v", err),
		}
	}
	for key, value := range i.target.Headers {
		req.Header.Set(key, value)
	}

	resp, err := i.transport.Do(req)
	if err != nil {
		return i.failure(ctx, start, 0, err)
	}

	var captured []byte
	if i.policy.NeedsBody() {
		captured, err = io.ReadAll(io.LimitReader(resp.Body, maxValidatedBody))
		if err == nil {
			_, err = io.Copy(io.Discard, resp.Body)
		}
	} else {
		_, err = io.Copy(io.Discard, resp.Body)
	}
	resp.Body.Close()
	latency := time.Since(start)

	if err != nil {
		return i.failure(ctx, start, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}

	if !i.policy.AcceptStatus(resp.StatusCode) {
		return Outcome{
			Latency:    latency,
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	if i.policy.NeedsBody() {
		if msg := i.policy.ValidateBody(captured); msg != "" {
			return Outcome{
				Latency:    latency,
				Kind:       KindValidation,
				StatusCode: resp.StatusCode,
				Err:        msg,
			}
		}
	}

	return Outcome{Success: true, Latency: latency, StatusCode: resp.StatusCode}
}

func (i *Issuer) failure(ctx context.Context, start time.Time, status int, err error) Outcome {
	kind := KindTransport
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		kind = KindAborted
	}
	return Outcome{
		Latency:    time.Since(start),
		Kind:       kind,
		StatusCode: status,
		Err:        err.Error(),
	}
}
