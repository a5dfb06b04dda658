package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ak-palla/activitysync/internal/stream"
)

// Channel identifies one tracked channel or board on a platform.
type Channel struct {
	Platform stream.Platform `json:"platform"`
	ID       string          `json:"id"`
}

// ChannelFetcher pulls the recent activity of one channel, bounded below by
// the caller's watermark.
type ChannelFetcher interface {
	FetchSince(ctx context.Context, channel Channel, since time.Time) ([]stream.Event, error)
}

type RESTClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PageLimit  int
}

type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageLimit  int
}

func NewRESTClient(opts RESTClientOptions) *RESTClient {
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
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = 200
	}
	return &RESTClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		pageLimit:  pageLimit,
	}
}

type wireEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func (c *RESTClient) FetchSince(ctx context.Context, channel Channel, since time.Time) ([]stream.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageLimit))
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}
	requestPath := fmt.Sprintf("/v1/%s/channels/%s/events?%s",
		url.PathEscape(string(channel.Platform)), url.PathEscape(channel.ID), q.Encode())

	var wire []wireEvent
	if err := c.doJSON(ctx, requestPath, &wire); err != nil {
		return nil, err
	}
	events := make([]stream.Event, 0, len(wire))
	for _, w := range wire {
		events = append(events, stream.Event{
			Platform: channel.Platform,
			Name:     w.Event,
			Payload:  w.Data,
		})
	}
	return events, nil
}

func (c *RESTClient) doJSON(ctx context.Context, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.wait(ctx, attempt+1, ""); waitErr != nil {
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

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := c.wait(ctx, attempt+1, resp.Header.Get("Retry-After")); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(payloadBytes))
		if resp.StatusCode == http.StatusUnauthorized {
			return &stream.AuthError{Message: message}
		}
		return &stream.HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *RESTClient) wait(ctx context.Context, attempt int, retryAfterHeader string) error {
	delay := c.retryDelay(attempt, retryAfterHeader)
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

func (c *RESTClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
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
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
