package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
	"github.com/oklog/ulid/v2"
)

// RemoteAPI is the authoritative entity store the queue drains into.
type RemoteAPI interface {
	// Create must deduplicate on idempotencyKey: replaying a key returns the
	// entity created the first time.
	Create(ctx context.Context, entityType model.EntityType, idempotencyKey string, payload json.RawMessage) (model.Entity, error)
	Update(ctx context.Context, entityType model.EntityType, id string, baseRevision uint64, payload json.RawMessage) (model.Entity, error)
	// Delete returns the post-write revision.
	Delete(ctx context.Context, entityType model.EntityType, id string, baseRevision uint64) (uint64, error)
	Fetch(ctx context.Context, entityType model.EntityType, id string) (model.Entity, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	ClientID   string
	HTTPClient *http.Client
	// MaxRetries bounds in-request retries of 429/5xx responses. The queue
	// manager owns operation-level backoff, so the default is zero.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = "cl_" + strings.ToLower(ulid.Make().String())
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		clientID:   clientID,
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c
}

func (c *HTTPClient) ClientID() string {
	return c.clientID
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Create(ctx context.Context, entityType model.EntityType, idempotencyKey string, payload json.RawMessage) (model.Entity, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var out model.Entity
	err := c.doJSON(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(string(entityType)), headers, rawBody(payload), &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, entityType model.EntityType, id string, baseRevision uint64, payload json.RawMessage) (model.Entity, error) {
	headers := map[string]string{"If-Match": strconv.FormatUint(baseRevision, 10)}
	var out model.Entity
	err := c.doJSON(ctx, http.MethodPatch, entityPath(entityType, id), headers, rawBody(payload), &out)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, entityType model.EntityType, id string, baseRevision uint64) (uint64, error) {
	headers := map[string]string{"If-Match": strconv.FormatUint(baseRevision, 10)}
	var out struct {
		Revision uint64 `json:"revision"`
	}
	err := c.doJSON(ctx, http.MethodDelete, entityPath(entityType, id), headers, nil, &out)
	return out.Revision, err
}

func (c *HTTPClient) Fetch(ctx context.Context, entityType model.EntityType, id string) (model.Entity, error) {
	var out model.Entity
	err := c.doJSON(ctx, http.MethodGet, entityPath(entityType, id), nil, nil, &out)
	return out, err
}

// Probe checks reachability of the server's health endpoint.
func (c *HTTPClient) Probe(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func entityPath(entityType model.EntityType, id string) string {
	return "/v1/entities/" + url.PathEscape(string(entityType)) + "/" + url.PathEscape(id)
}

func rawBody(payload json.RawMessage) any {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("X-Client-Id", c.clientID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			if value != "" {
				req.Header.Set(key, value)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &NetworkError{Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &NetworkError{Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(resp.StatusCode) {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &NetworkError{StatusCode: resp.StatusCode}
		}

		var errPayload struct {
			Code     string   `json:"code"`
			Message  string   `json:"message"`
			Fields   []string `json:"fields"`
			Revision uint64   `json:"revision"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{
				EntityID: requestPath[strings.LastIndex(requestPath, "/")+1:],
				Fields:   errPayload.Fields,
				Revision: errPayload.Revision,
			}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599)
}

func correlationID() string {
	return fmt.Sprintf("sync_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ RemoteAPI = (*HTTPClient)(nil)
