package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func webTestServer(t *testing.T, conversations []map[string]any, details map[string]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/conversations" {
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			end := offset + limit
			if end > len(conversations) {
				end = len(conversations)
			}
			var page []map[string]any
			if offset < len(conversations) {
				page = conversations[offset:end]
			}
			json.NewEncoder(w).Encode(map[string]any{
				"conversations": page,
				"has_more":      end < len(conversations),
			})
			return
		}
		id := r.URL.Path[len("/conversations/"):]
		detail, ok := details[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(detail)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebDiscoverPaginates(t *testing.T) {
	var conversations []map[string]any
	for i := 0; i < 120; i++ {
		conversations = append(conversations, map[string]any{
			"id":         fmt.Sprintf("c-%03d", i),
			"title":      fmt.Sprintf("Conversation %d", i),
			"updated_at": "2026-08-01T10:00:00Z",
		})
	}
	srv := webTestServer(t, conversations, nil)

	a := NewWebAdapter(ProviderClaudeWeb, srv.URL, "test-token", srv.Client())
	descs, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(descs) != 120 {
		t.Fatalf("got %d descriptors, want 120", len(descs))
	}
	if descs[0].Key != "c-000" || descs[119].Key != "c-119" {
		t.Errorf("boundary keys = %q, %q", descs[0].Key, descs[119].Key)
	}
	if descs[0].UpdatedHint != "2026-08-01T10:00:00Z" {
		t.Errorf("UpdatedHint = %q", descs[0].UpdatedHint)
	}
}

func TestWebFetchDetail(t *testing.T) {
	details := map[string]map[string]any{
		"c-1": {
			"id":         "c-1",
			"title":      "Planning session",
			"summary":    "Planned the release",
			"project":    "/home/dev/app",
			"created_at": "2026-08-01T09:00:00Z",
			"updated_at": "2026-08-01T10:30:00Z",
			"messages": []map[string]any{
				{"role": "user", "content": "plan the release", "timestamp": "2026-08-01T09:00:00Z"},
				{"role": "assistant", "content": "here is the plan", "timestamp": "2026-08-01T09:05:00Z"},
			},
		},
	}
	srv := webTestServer(t, nil, details)

	a := NewWebAdapter(ProviderChatGPTWeb, srv.URL, "test-token", srv.Client())
	batches, fragment, err := a.Fetch(context.Background(), Descriptor{Key: "c-1"}, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fragment != "2026-08-01T10:30:00Z" {
		t.Errorf("fragment = %q", fragment)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}

	h := batches[0].Header
	if h.ExternalKey != "c-1" || h.Title != "Planning session" || h.Summary != "Planned the release" {
		t.Errorf("header = %+v", h)
	}
	if h.ProjectPath != "/home/dev/app" {
		t.Errorf("project path = %q", h.ProjectPath)
	}
	if len(batches[0].Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(batches[0].Messages))
	}
	if batches[0].Messages[1].Seq != 1 {
		t.Errorf("second message seq = %d, want 1", batches[0].Messages[1].Seq)
	}
}

func TestWebFetchSkipsByUpdatedHint(t *testing.T) {
	srv := webTestServer(t, nil, nil)

	a := NewWebAdapter(ProviderClaudeWeb, srv.URL, "test-token", srv.Client())
	desc := Descriptor{Key: "c-1", UpdatedHint: "2026-08-01T10:00:00Z"}

	// A matching cursor short-circuits before any detail request.
	_, _, err := a.Fetch(context.Background(), desc, "2026-08-01T10:00:00Z")
	if !errors.Is(err, ErrNotModified) {
		t.Errorf("Fetch = %v, want ErrNotModified", err)
	}
}

func TestWebFetchMismatchedDetailID(t *testing.T) {
	details := map[string]map[string]any{
		"c-1": {"id": "different", "messages": []map[string]any{}},
	}
	srv := webTestServer(t, nil, details)

	a := NewWebAdapter(ProviderClaudeWeb, srv.URL, "test-token", srv.Client())
	_, _, err := a.Fetch(context.Background(), Descriptor{Key: "c-1"}, "")
	if KindOf(err) != KindPermanent {
		t.Errorf("error kind = %v, want permanent", KindOf(err))
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindSessionExpired},
		{http.StatusForbidden, KindSessionExpired},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindPermanent},
		{http.StatusBadRequest, KindPermanent},
	}
	for _, tc := range cases {
		err := classifyStatus(tc.status, "http://example.test")
		if KindOf(err) != tc.want {
			t.Errorf("status %d: kind = %v, want %v", tc.status, KindOf(err), tc.want)
		}
	}
	if err := classifyStatus(http.StatusOK, "http://example.test"); err != nil {
		t.Errorf("status 200: err = %v, want nil", err)
	}
}

func TestWebExpiredSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	a := NewWebAdapter(ProviderClaudeWeb, srv.URL, "stale-token", srv.Client())
	_, err := a.Discover(context.Background())
	if KindOf(err) != KindSessionExpired {
		t.Errorf("error kind = %v, want sessionExpired", KindOf(err))
	}
}
