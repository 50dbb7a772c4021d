// Package email implements the outbound notification transport: a small
// JSON-over-HTTP client for the external email delivery service.
//
// The scheduler depends only on the Sender interface, so tests (and any
// future channel) substitute their own implementation. Failures are
// classified into three sentinel kinds (ErrClientRejected, ErrTimeout,
// ErrUnreachable) which the ledger records verbatim in error_message for
// operator diagnosis. The scheduler itself does not branch on the kind;
// all three count as retryable up to the configured bound.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel failure kinds, wrapped with detail by Send.
var (
	// ErrClientRejected means the service answered with a 4xx status:
	// the request itself was judged invalid.
	ErrClientRejected = errors.New("email service rejected request")

	// ErrUnreachable means no usable response arrived (connection refused,
	// DNS failure, 5xx, or a malformed body).
	ErrUnreachable = errors.New("email service unreachable")

	// ErrTimeout means the configured deadline elapsed before a response.
	ErrTimeout = errors.New("email service timeout")
)

// Sender is the transport contract consumed by the scheduler. Send delivers
// body to the destination address and returns the service-reported delivery
// time on success.
type Sender interface {
	Send(ctx context.Context, email, body string) (time.Time, error)
}

// Client posts messages to the configured email delivery endpoint.
type Client struct {
	// URL is the send endpoint.
	URL string
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	// HTTPClient may be replaced in tests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewClient constructs a Client with the given endpoint and per-attempt timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{URL: url, Timeout: timeout, HTTPClient: &http.Client{}}
}

// sendRequest is the wire payload expected by the delivery service.
type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// sendResponse is the wire payload returned on success.
type sendResponse struct {
	Status   string    `json:"status"`
	SentTime time.Time `json:"sentTime"`
}

// Send delivers body to the given address. Success requires an HTTP 200
// with a body whose status field is "sent"; the parsed sentTime is
// returned. All failures wrap one of the sentinel kinds above.
func (c *Client) Send(ctx context.Context, email, body string) (time.Time, error) {
	payload, err := json.Marshal(sendRequest{Email: email, Message: body})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: encode request: %v", ErrUnreachable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: build request: %v", ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return time.Time{}, fmt.Errorf("%w after %s", ErrTimeout, c.Timeout)
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, fmt.Errorf("%w (%d): %s", ErrClientRejected, resp.StatusCode, detail)
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode response: %v", ErrUnreachable, err)
	}
	if out.Status != "sent" {
		return time.Time{}, fmt.Errorf("%w: unexpected service status %q", ErrUnreachable, out.Status)
	}

	sentAt := out.SentTime
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return sentAt, nil
}
