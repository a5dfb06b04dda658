package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPActionExecutor invokes an external automation service. The call is
// awaited with no timeout of our own; the executor owns its timeout policy.
type HTTPActionExecutor struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPActionExecutor(baseURL, token string, httpClient *http.Client) *HTTPActionExecutor {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPActionExecutor{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPActionExecutor) Execute(ctx context.Context, actionConfig map[string]any, activity Activity) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"actionConfig": actionConfig,
		"activity":     activity,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/actions/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(payload))
		return nil, fmt.Errorf("action executor failed: status=%d message=%s", resp.StatusCode, message)
	}
	var result map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("action executor returned malformed result: %w", err)
		}
	}
	return result, nil
}

// LogActionExecutor records invocations without doing anything; the default
// when no executor endpoint is configured.
type LogActionExecutor struct {
	Logger Logger
}

func (c *LogActionExecutor) Execute(ctx context.Context, actionConfig map[string]any, activity Activity) (map[string]any, error) {
	if c.Logger != nil {
		c.Logger.Printf("action invoked for activity %s (%s/%s)", activity.ID, activity.Platform, activity.EventType)
	}
	return map[string]any{
		"status":     "logged",
		"activityId": activity.ID,
		"executedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
