package inventoryclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string, retries int) *Client {
	return NewClient(url, "inv_test_key", retries).WithBackoff(time.Millisecond, 5*time.Millisecond)
}

func TestListBusinessManagersPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/business-managers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer inv_test_key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("expected limit=2, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"bm-1","name":"Alpha","status":"active","verification_status":"verified","pixels":[{"id":"px-1","name":"Main"}]},{"id":"bm-2","name":"Beta","status":"disabled"}],"paging":{"next_cursor":"c2"}}`))
		case "c2":
			_, _ = w.Write([]byte(`{"data":[{"id":"bm-3","name":"Gamma","status":"active"}],"paging":{}}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/", 0)
	first, err := client.ListBusinessManagers(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Data) != 2 || first.Paging.NextCursor != "c2" {
		t.Fatalf("unexpected first page %+v", first)
	}
	if len(first.Data[0].Pixels) != 1 || first.Data[0].Pixels[0].ID != "px-1" || first.Data[0].VerificationStatus != "verified" {
		t.Fatalf("expected nested pixels, got %+v", first.Data[0])
	}

	second, err := client.ListBusinessManagers(context.Background(), first.Paging.NextCursor, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Data) != 1 || second.Paging.NextCursor != "" {
		t.Fatalf("unexpected last page %+v", second)
	}
}

func TestListAdAccountsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"try later"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"act-1","name":"Ads","status":"active","business_manager_id":"bm-1","currency":"USD","spend_cap_cents":500000}],"paging":{"next_cursor":""}}`))
	}))
	defer server.Close()

	page, err := newTestClient(server.URL, 3).ListAdAccounts(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if len(page.Data) != 1 || page.Data[0].BusinessManagerID != "bm-1" || page.Data[0].SpendCapCents != 500000 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad key"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 3).ListAdAccounts(context.Background(), "", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "bad key" {
		t.Fatalf("expected APIError 401, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", calls.Load())
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 2).ListBusinessManagers(context.Background(), "", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected the last 429 to surface, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestClientRetriesTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url, 1).ListBusinessManagers(context.Background(), "", 0)
	if err == nil {
		t.Fatalf("expected a transport error")
	}
	if !isRetryable(err) {
		t.Fatalf("transport errors should be retryable: %v", err)
	}
}
