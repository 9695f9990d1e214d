package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orchardlog/fieldsync/internal/models"
)

// DefaultTimeout bounds a single request when the caller sets none.
const DefaultTimeout = 15 * time.Second

// ErrBadBaseURL is returned by every call of a client whose server URL can
// never produce a request. It is a client setup problem, not a property of
// the request being sent.
var ErrBadBaseURL = errors.New("invalid server url")

// CheckBaseURL reports whether raw is an absolute http or https URL with a
// host.
func CheckBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrBadBaseURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w %q: want http:// or https:// followed by a host", ErrBadBaseURL, raw)
	}
	return nil
}

// Client talks JSON to the farm-records REST API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	baseErr error
}

// New creates a client. A zero timeout means DefaultTimeout. A malformed
// baseURL is not reported here; every call returns ErrBadBaseURL instead.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		baseErr: CheckBaseURL(baseURL),
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	data, err := c.do(ctx, http.MethodGet, "/healthz", nil, false)
	if err != nil {
		return nil, err
	}
	var resp HealthResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal health: %w", err)
		}
	}
	return &resp, nil
}

// Get fetches endpoint with the given query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.Do(ctx, http.MethodGet, endpoint, nil)
}

// Do sends one request and returns the response body. body may be nil.
// Every failure is an *Error.
func (c *Client) Do(ctx context.Context, verb, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, verb, endpoint, body, true)
}

// apiErrorBody is the standard error envelope from the server.
type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, verb, endpoint string, body json.RawMessage, auth bool) (json.RawMessage, error) {
	if c.baseErr != nil {
		return nil, c.baseErr
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, verb, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		// The base URL is known good, so the endpoint is at fault.
		return nil, &Error{Kind: models.ErrorValidation, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: models.ErrorTransient, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: models.ErrorTransient, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Kind: KindForStatus(resp.StatusCode), Status: resp.StatusCode}
		var envelope apiErrorBody
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else if msg := strings.TrimSpace(string(respBody)); msg != "" {
			apiErr.Message = truncate(msg, 200)
		}
		return nil, apiErr
	}

	if len(bytes.TrimSpace(respBody)) == 0 || !json.Valid(respBody) {
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
