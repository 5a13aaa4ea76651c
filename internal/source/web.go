package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultPageSize = 50

// WebAdapter polls an authenticated provider API: a paginated listing
// endpoint for discovery and a detail endpoint per conversation. Expired or
// invalid credentials surface as sessionExpired rather than a retryable
// failure.
type WebAdapter struct {
	provider Provider
	baseURL  string
	token    string
	client   *http.Client
	pageSize int
}

// NewWebAdapter creates an adapter polling the provider API at baseURL.
// A nil client gets a 30s-timeout default.
func NewWebAdapter(provider Provider, baseURL, token string, client *http.Client) *WebAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebAdapter{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   client,
		pageSize: defaultPageSize,
	}
}

func (a *WebAdapter) Provider() Provider { return a.provider }

type listResponse struct {
	Conversations []conversationStub `json:"conversations"`
	HasMore       bool               `json:"has_more"`
}

type conversationStub struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updated_at"`
}

type detailResponse struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Project   string          `json:"project"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Messages  []detailMessage `json:"messages"`
}

type detailMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Discover pages through the provider's conversation listing and returns one
// descriptor per remote conversation, carrying its updated-at change hint.
func (a *WebAdapter) Discover(ctx context.Context) ([]Descriptor, error) {
	var descs []Descriptor
	for offset := 0; ; offset += a.pageSize {
		url := fmt.Sprintf("%s/conversations?offset=%d&limit=%d", a.baseURL, offset, a.pageSize)
		var page listResponse
		if err := a.getJSON(ctx, url, &page); err != nil {
			return nil, err
		}
		for _, stub := range page.Conversations {
			descs = append(descs, Descriptor{
				Key:         stub.ID,
				DisplayName: stub.Title,
				UpdatedHint: stub.UpdatedAt,
			})
		}
		if !page.HasMore || len(page.Conversations) == 0 {
			return descs, nil
		}
	}
}

// Fetch retrieves one conversation's detail. When the listing's change hint
// matches the cursor fragment the fetch is skipped entirely.
func (a *WebAdapter) Fetch(ctx context.Context, desc Descriptor, cursor string) ([]Batch, string, error) {
	if cursor != "" && desc.UpdatedHint != "" && cursor == desc.UpdatedHint {
		return nil, "", ErrNotModified
	}

	var detail detailResponse
	if err := a.getJSON(ctx, a.baseURL+"/conversations/"+desc.Key, &detail); err != nil {
		return nil, "", err
	}
	if detail.ID == "" || detail.ID != desc.Key {
		return nil, "", Permanent("fetch "+desc.Key, fmt.Errorf("detail id %q does not match descriptor", detail.ID))
	}

	createdAt := parseWebTime(detail.CreatedAt, time.Now().UTC())
	updatedAt := parseWebTime(detail.UpdatedAt, createdAt)

	msgs := make([]MessageRecord, 0, len(detail.Messages))
	for i, m := range detail.Messages {
		if m.Role == "" {
			return nil, "", Permanent("fetch "+desc.Key, fmt.Errorf("message %d has no role", i))
		}
		msgs = append(msgs, MessageRecord{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: parseWebTime(m.Timestamp, createdAt),
			Seq:       i,
		})
	}

	batch := Batch{
		Header: ConversationHeader{
			ExternalKey: desc.Key,
			Title:       detail.Title,
			ProjectPath: detail.Project,
			CreatedAt:   createdAt,
			UpdatedAt:   updatedAt,
			Summary:     detail.Summary,
		},
		Messages: msgs,
	}

	fragment := detail.UpdatedAt
	if fragment == "" {
		fragment = formatWebTime(updatedAt)
	}
	return []Batch{batch}, fragment, nil
}

func (a *WebAdapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Permanent("request "+url, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return Transient("get "+url, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, url); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Transient("read "+url, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Permanent("decode "+url, err)
	}
	return nil
}

// classifyStatus maps HTTP status codes to the failure taxonomy:
// 401/403 → sessionExpired, 429 and 5xx → transient, remaining 4xx → permanent.
func classifyStatus(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return SessionExpired("get "+url, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient("get "+url, fmt.Errorf("status %d", status))
	default:
		return Permanent("get "+url, fmt.Errorf("status %d", status))
	}
}

func parseWebTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return fallback
}

func formatWebTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
