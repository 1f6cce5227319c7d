package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ordersaga/internal/orders"
)

const maxResponseBody = 1 << 20

// envelope is the response wrapper every collaborator service returns.
type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	StatusCode int             `json:"statusCode"`
	Errors     []string        `json:"errors"`
}

// NewHTTPClient returns an http.Client with a per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type jsonClient struct {
	baseURL string
	client  *http.Client
}

func newJSONClient(baseURL string, client *http.Client) jsonClient {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return jsonClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// rejection is a non-2xx reply from a collaborator.
type rejection struct {
	status  int
	message string
}

// call sends in as JSON and decodes the envelope's data into out. Transport
// failures come back as orders.ErrCommunication; non-2xx replies as *rejection.
func (c jsonClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", orders.ErrCommunication, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", orders.ErrCommunication, method, path, err)
	}
	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &rejection{status: resp.StatusCode, message: replyMessage(resp.StatusCode, env, envErr, raw)}
	}
	if out == nil {
		return nil
	}
	if envErr != nil {
		return fmt.Errorf("%w: decode %s %s: %w", orders.ErrCommunication, method, path, envErr)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s %s returned no data", orders.ErrCommunication, method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", orders.ErrCommunication, method, path, err)
	}
	return nil
}

func replyMessage(status int, env envelope, envErr error, raw []byte) string {
	if envErr == nil && env.Message != "" {
		if len(env.Errors) > 0 {
			return env.Message + " (" + strings.Join(env.Errors, "; ") + ")"
		}
		return env.Message
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// classify maps a collaborator reply onto the order error taxonomy. Server
// errors, timeouts and throttling are transient. Statuses in business map to
// the given business rejection.
func classify(op string, err error, business map[int]error) error {
	var rej *rejection
	if !errors.As(err, &rej) {
		return err
	}
	switch {
	case rej.status >= 500, rej.status == http.StatusRequestTimeout, rej.status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d: %s", orders.ErrCommunication, op, rej.status, rej.message)
	case business[rej.status] != nil:
		return fmt.Errorf("%w: %s", business[rej.status], rej.message)
	case rej.status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", orders.ErrNotFound, rej.message)
	case rej.status >= 400:
		return fmt.Errorf("%w: %s returned %d: %s", orders.ErrBadRequest, op, rej.status, rej.message)
	default:
		return fmt.Errorf("%w: %s returned unexpected status %d", orders.ErrCommunication, op, rej.status)
	}
}

func (r *rejection) Error() string {
	return fmt.Sprintf("status %d: %s", r.status, r.message)
}
