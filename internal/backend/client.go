// Package backend implements the engine's backend contract over HTTP and
// its change feed over a websocket.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	syncerrors "github.com/SamSnead85/moneyloop-sub004/internal/errors"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client. The
	// engine applies its own per-request deadline on top of this.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Pull batches of a few
	// hundred records fit comfortably.
	maxAPIResponseBytes = 8 * 1024 * 1024

	recordsPath = "/v1/records/"
)

// APIError is a non-retryable rejection from the backend (validation,
// authorization, conflict).
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return syncerrors.ErrAPIResponse }

// Client talks to the records REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

type recordsResponse struct {
	Records []models.Record `json:"records"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Write performs an insert, update or delete. mutationID is sent as the
// Idempotency-Key so a retried push after a lost response is not applied
// twice.
func (c *Client) Write(ctx context.Context, entityType string, action models.Action, recordID, mutationID string, payload models.Value) (models.Record, error) {
	endpoint := recordsPath + url.PathEscape(entityType)

	var method string

	switch action {
	case models.ActionInsert:
		method = http.MethodPost
	case models.ActionUpdate:
		method = http.MethodPut
		endpoint += "/" + url.PathEscape(recordID)
	case models.ActionDelete:
		method = http.MethodDelete
		endpoint += "/" + url.PathEscape(recordID)
		payload = models.Null()
	default:
		return models.Record{}, fmt.Errorf("%w: %q", syncerrors.ErrUnknownAction, action)
	}

	var rec models.Record

	status, err := c.do(ctx, method, endpoint, mutationID, payload, &rec)
	if err != nil {
		return models.Record{}, fmt.Errorf("%s %s/%s: %w", action, entityType, recordID, err)
	}

	if status == http.StatusNoContent || rec.ID == "" {
		rec.ID = recordID
	}

	if rec.EntityType == "" {
		rec.EntityType = entityType
	}

	if action == models.ActionDelete {
		rec.Deleted = true
	}

	return rec, nil
}

// FetchChangedSince returns up to limit records of entityType updated
// after since, newest first.
func (c *Client) FetchChangedSince(ctx context.Context, entityType string, since time.Time, limit int) ([]models.Record, error) {
	q := url.Values{}
	q.Set("order", "desc")

	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := recordsPath + url.PathEscape(entityType) + "?" + q.Encode()

	var resp recordsResponse
	if _, err := c.do(ctx, http.MethodGet, endpoint, "", models.Null(), &resp); err != nil {
		return nil, fmt.Errorf("fetching %s since %s: %w", entityType, since.Format(time.RFC3339), err)
	}

	for i := range resp.Records {
		if resp.Records[i].EntityType == "" {
			resp.Records[i].EntityType = entityType
		}
	}

	return resp.Records, nil
}

// do sends a request and decodes a 2xx JSON body into result. Transport
// failures and 429/5xx responses come back as TransientError; any other
// non-2xx status is an *APIError.
func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body models.Value, result any) (int, error) {
	var reader io.Reader

	if !body.IsNull() {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("%w: creating request: %w", syncerrors.ErrAPIRequest, err)
	}

	req.Header.Set("Accept", "application/json")

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return 0, &syncerrors.TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return resp.StatusCode, &syncerrors.TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)

		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			msg = sanitizeResponseBody([]byte(eb.Error))
		}

		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: msg}
		if isTransientStatus(resp.StatusCode) {
			return resp.StatusCode, &syncerrors.TransientError{Err: apiErr}
		}

		return resp.StatusCode, apiErr
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decoding response from %s: %w", syncerrors.ErrAPIResponse, endpoint, err)
		}
	}

	return resp.StatusCode, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
