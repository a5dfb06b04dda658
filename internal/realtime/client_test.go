package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ak-palla/activitysync/internal/stream"
)

func testRESTClient(baseURL string) *RESTClient {
	return NewRESTClient(RESTClientOptions{
		BaseURL:   baseURL,
		Token:     "secret",
		BaseDelay: time.Millisecond,
		MaxDelay:  2 * time.Millisecond,
		PageLimit: 50,
	})
}

func TestFetchSinceBuildsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/channels/c1/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "1700000000000" {
			t.Errorf("expected since in unix millis, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("expected limit=50, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`[{"event": "posted", "data": {"message": "hi"}}]`))
	}))
	defer server.Close()

	client := testRESTClient(server.URL)
	events, err := client.FetchSince(context.Background(), Channel{Platform: stream.PlatformChat, ID: "c1"}, time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 1 || events[0].Name != "posted" || events[0].Platform != stream.PlatformChat {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestFetchSinceZeroTimeOmitsSince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("since") {
			t.Errorf("expected no since parameter for first fetch")
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := testRESTClient(server.URL)
	events, err := client.FetchSince(context.Background(), Channel{Platform: stream.PlatformChat, ID: "c1"}, time.Time{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestFetchSinceRetriesRateLimitAndServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	client := testRESTClient(server.URL)
	if _, err := client.FetchSince(context.Background(), Channel{Platform: stream.PlatformChat, ID: "c1"}, time.Time{}); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchSinceDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testRESTClient(server.URL)
	if _, err := client.FetchSince(context.Background(), Channel{Platform: stream.PlatformChat, ID: "c1"}, time.Time{}); err == nil {
		t.Fatalf("expected 404 to surface an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt on 4xx, got %d", calls.Load())
	}
}

func TestFetchSinceUnauthorizedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := testRESTClient(server.URL)
	_, err := client.FetchSince(context.Background(), Channel{Platform: stream.PlatformChat, ID: "c1"}, time.Time{})
	if !stream.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("expected 0 for malformed header, got %v", got)
	}
	future := time.Now().Add(3 * time.Second).UTC().Format(time.RFC1123)
	if got := parseRetryAfter(future); got <= 0 {
		t.Fatalf("expected positive delay for HTTP-date header, got %v", got)
	}
}
