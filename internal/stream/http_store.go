package stream

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
)

// AuthError indicates a rejected credential. It is fatal for the session and
// never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPActivityStoreOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
}

// HTTPActivityStore submits activities to a remote ingestion API. Retries
// are reserved for server-class failures: up to MaxRetries attempts with
// exponential backoff, immediate give-up on any 4xx.
type HTTPActivityStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewHTTPActivityStore(opts HTTPActivityStoreOptions) *HTTPActivityStore {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &HTTPActivityStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

func (c *HTTPActivityStore) InsertActivity(ctx context.Context, activity Activity) (*Activity, error) {
	var stored Activity
	err := c.doJSON(ctx, http.MethodPost, "/v1/activities", activity, &stored)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			// 4xx means the store refused the record; callers treat a nil
			// result as a dropped activity, not a pipeline failure.
			if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
				return nil, nil
			}
		}
		return nil, err
	}
	return &stored, nil
}

func (c *HTTPActivityStore) QueryActivities(ctx context.Context, filters ActivityFilters, limit, offset int) ([]Activity, error) {
	q := url.Values{}
	if filters.Platform != "" {
		q.Set("platform", string(filters.Platform))
	}
	if filters.EventType != "" {
		q.Set("eventType", filters.EventType)
	}
	if filters.ChannelID != "" {
		q.Set("channelId", filters.ChannelID)
	}
	if filters.UserID != "" {
		q.Set("userId", filters.UserID)
	}
	if filters.Processed != nil {
		q.Set("processed", strconv.FormatBool(*filters.Processed))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []Activity
	err := c.doJSON(ctx, http.MethodGet, "/v1/activities?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPActivityStore) MarkProcessed(ctx context.Context, activityID string) error {
	path := "/v1/activities/" + url.PathEscape(activityID) + "/processed"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPActivityStore) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(payloadBytes))
		if resp.StatusCode == http.StatusUnauthorized {
			return &AuthError{Message: message}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *HTTPActivityStore) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
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
