package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/learning"
	"github.com/kalambet/hindsight/internal/search"
	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/syncer"
	"github.com/kalambet/hindsight/internal/upsert"
)

const testToken = "test-token"

func newTestServer(t *testing.T, adapters ...source.Adapter) (*httptest.Server, *storage.Store, *learning.Manager) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	adapterMap := make(map[source.Provider]source.Adapter, len(adapters))
	for _, a := range adapters {
		adapterMap[a.Provider()] = a
	}

	manager := learning.NewManager(s, 0.4)
	engine := upsert.NewEngine(s, nil)
	orchestrator := syncer.New(adapterMap, s, engine, syncer.Options{})
	handler := NewHandler(Deps{
		Store:     s,
		Search:    search.NewEngine(s, nil, search.DefaultOptions()),
		Syncer:    orchestrator,
		Learnings: manager,
		Token:     testToken,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, s, manager
}

func doRequest(t *testing.T, method, url string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func seedConversation(t *testing.T, s *storage.Store, id, title, content string) {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	err := s.ApplyUpsert(storage.UpsertCommit{
		Conversation: storage.Conversation{
			ID:          id,
			Provider:    "claude-code",
			SourceKind:  storage.SourceKindCLI,
			ExternalKey: "key-" + id,
			Title:       title,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Created: true,
		Inserts: []storage.Message{
			{ID: id + "-m1", Role: "user", Content: content, Timestamp: now, Seq: 0},
		},
		Tokens:  search.IndexText(title, []string{content}),
		Reindex: true,
	})
	if err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/search?q=test", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no auth header: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/search?q=test", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp2.StatusCode)
	}

	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, resp2, &body)
	if body.Error.Type != "authentication_error" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the json parser")
	seedConversation(t, s, "conv-2", "Deploy notes", "rolled out the deploy")

	resp := doRequest(t, http.MethodGet, srv.URL+"/search?q=parser", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Results []searchResult `json:"results"`
	}
	decodeBody(t, resp, &body)
	if len(body.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(body.Results))
	}
	r := body.Results[0]
	if r.ConversationID != "conv-1" || r.MatchType != "fullText" {
		t.Errorf("result = %+v", r)
	}
	if r.Score <= 0 {
		t.Errorf("score = %v, want > 0", r.Score)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/search", true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLearningsEndpoints(t *testing.T) {
	srv, s, manager := newTestServer(t)
	seedConversation(t, s, "conv-1", "Style notes", "always use snake_case")

	_, err := manager.Accept(context.Background(), storage.Conversation{ID: "conv-1"}, []analyzer.Candidate{{
		Kind:         analyzer.KindLearning,
		LearningType: storage.LearningPositive,
		Rule:         "Always use snake_case",
		Confidence:   0.7,
	}})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/learnings?status=pending", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listBody struct {
		Learnings []learningResult `json:"learnings"`
	}
	decodeBody(t, resp, &listBody)
	if len(listBody.Learnings) != 1 {
		t.Fatalf("got %d learnings, want 1", len(listBody.Learnings))
	}
	id := listBody.Learnings[0].ID

	resp = doRequest(t, http.MethodPost, srv.URL+"/learnings/"+id+"/approve", true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("approve status = %d, want 200", resp.StatusCode)
	}

	// Already approved; rejection must conflict.
	resp = doRequest(t, http.MethodPost, srv.URL+"/learnings/"+id+"/reject", true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("reject after approve status = %d, want 409", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/learnings/missing/approve", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("approve missing status = %d, want 404", resp.StatusCode)
	}
}

func TestSyncEndpointRejectsUnknownProvider(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sync", strings.NewReader(`{"provider":"unknown"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncEndpointEmptyBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// No adapters configured; an all-provider sync is an empty no-op.
	resp := doRequest(t, http.MethodPost, srv.URL+"/sync", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Providers map[string]providerSyncResult `json:"providers"`
	}
	decodeBody(t, resp, &body)
	if len(body.Providers) != 0 {
		t.Errorf("providers = %v, want none", body.Providers)
	}
}

// stubAdapter serves one canned conversation, or fails discovery.
type stubAdapter struct {
	provider    source.Provider
	discoverErr error
}

func (a *stubAdapter) Provider() source.Provider { return a.provider }

func (a *stubAdapter) Discover(context.Context) ([]source.Descriptor, error) {
	if a.discoverErr != nil {
		return nil, a.discoverErr
	}
	return []source.Descriptor{{Key: "c-1", DisplayName: "c-1"}}, nil
}

func (a *stubAdapter) Fetch(_ context.Context, desc source.Descriptor, _ string) ([]source.Batch, string, error) {
	return []source.Batch{{
		Header: source.ConversationHeader{
			ExternalKey: desc.Key,
			Title:       desc.DisplayName,
			UpdatedAt:   time.Now().UTC(),
		},
		Messages: []source.MessageRecord{{Role: "user", Content: "hello"}},
	}}, "v1", nil
}

// One broken provider must not turn the whole sync response into a 500;
// the healthy provider's counts are reported with the failure attached to
// its own provider entry.
func TestSyncEndpointPartialFailure(t *testing.T) {
	srv, _, _ := newTestServer(t,
		&stubAdapter{provider: source.ProviderClaudeCode},
		&stubAdapter{
			provider:    source.ProviderClaudeWeb,
			discoverErr: errors.New("listing unavailable"),
		},
	)

	resp := doRequest(t, http.MethodPost, srv.URL+"/sync", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with per-provider results", resp.StatusCode)
	}

	var body struct {
		Providers map[string]providerSyncResult `json:"providers"`
	}
	decodeBody(t, resp, &body)

	healthy, ok := body.Providers["claude-code"]
	if !ok || healthy.Created != 1 || healthy.Error != "" {
		t.Errorf("healthy provider = %+v, want 1 created and no error", healthy)
	}
	broken, ok := body.Providers["claude-web"]
	if !ok || broken.Error == "" {
		t.Errorf("broken provider = %+v, want its pass error reported", broken)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, s, _ := newTestServer(t)
	seedConversation(t, s, "conv-1", "Parser bugfix", "fixed the parser")

	resp := doRequest(t, http.MethodGet, srv.URL+"/status", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Conversations int            `json:"conversations"`
		Queue         map[string]int `json:"queue"`
		Learnings     map[string]int `json:"learnings"`
	}
	decodeBody(t, resp, &body)
	if body.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", body.Conversations)
	}
}

func TestWorkflowsEndpoint(t *testing.T) {
	srv, s, _ := newTestServer(t)
	if _, err := s.UpsertWorkflowSignature("hash-1", "fix→test", "conv-1", 0.6); err != nil {
		t.Fatalf("UpsertWorkflowSignature: %v", err)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/workflows", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Workflows []storage.WorkflowSignature `json:"workflows"`
	}
	decodeBody(t, resp, &body)
	if len(body.Workflows) != 1 {
		t.Errorf("got %d workflows, want 1", len(body.Workflows))
	}
}
