// Package api exposes the core operations over HTTP (chi) and MCP. The API
// carries no UI concepts; any front end binds to these plain operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/hindsight/internal/learning"
	"github.com/kalambet/hindsight/internal/search"
	"github.com/kalambet/hindsight/internal/source"
	"github.com/kalambet/hindsight/internal/storage"
	"github.com/kalambet/hindsight/internal/syncer"
)

// Deps holds the wired core components the API exposes.
type Deps struct {
	Store     *storage.Store
	Search    *search.Engine
	Syncer    *syncer.Orchestrator
	Learnings *learning.Manager
	Token     string
}

// NewHandler builds the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/search", handleSearch(deps))
	r.Post("/sync", handleSync(deps))
	r.Get("/learnings", handleListLearnings(deps))
	r.Post("/learnings/{id}/approve", handleReview(deps, storage.LearningApproved))
	r.Post("/learnings/{id}/reject", handleReview(deps, storage.LearningRejected))
	r.Get("/workflows", handleListWorkflows(deps))
	r.Get("/status", handleStatus(deps))

	return r
}

type searchResult struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Provider       string    `json:"provider"`
	ProjectPath    string    `json:"project_path,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	Score          float64   `json:"score"`
	LexicalScore   float64   `json:"lexical_score"`
	SemanticScore  float64   `json:"semantic_score"`
	MatchType      string    `json:"match_type"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "query parameter q is required")
			return
		}

		results, err := deps.Search.Search(r.Context(), query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "search_error", err.Error())
			return
		}

		out := make([]searchResult, len(results))
		for i, res := range results {
			out[i] = searchResult{
				ConversationID: res.Conversation.ID,
				Title:          res.Conversation.Title,
				Provider:       res.Conversation.Provider,
				ProjectPath:    res.Conversation.ProjectPath,
				UpdatedAt:      res.Conversation.UpdatedAt,
				Score:          res.Score,
				LexicalScore:   res.LexicalScore,
				SemanticScore:  res.SemanticScore,
				MatchType:      string(res.MatchType),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

type syncRequest struct {
	Provider string `json:"provider"`
	Force    bool   `json:"force"`
}

type providerSyncResult struct {
	Created        int    `json:"created"`
	Updated        int    `json:"updated"`
	Unchanged      int    `json:"unchanged"`
	Failed         int    `json:"failed"`
	SessionExpired bool   `json:"session_expired,omitempty"`
	Error          string `json:"error,omitempty"`
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if r.Body != nil {
			// An empty body means "sync everything".
			_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
		}

		providers := make(map[source.Provider]*syncer.ProviderStats)
		passErrs := make(map[source.Provider]error)
		if req.Provider != "" {
			p := source.Provider(req.Provider)
			if !p.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request", "unknown provider "+req.Provider)
				return
			}
			ps, err := deps.Syncer.SyncOne(r.Context(), p, req.Force)
			if err != nil && ps == nil {
				httpError(w, http.StatusInternalServerError, "sync_error", err.Error())
				return
			}
			providers[p] = ps
			if err != nil {
				passErrs[p] = err
			}
		} else {
			// A failing provider must not hide the others' counts; partial
			// results are reported per provider with the pass error attached.
			stats, err := deps.Syncer.SyncAll(r.Context(), req.Force)
			if err != nil && len(stats.Providers) == 0 && len(stats.Errors) == 0 {
				httpError(w, http.StatusInternalServerError, "sync_error", err.Error())
				return
			}
			providers = stats.Providers
			passErrs = stats.Errors
		}

		out := make(map[string]providerSyncResult, len(providers))
		for p, ps := range providers {
			res := providerSyncResult{
				Created:        ps.Created,
				Updated:        ps.Updated,
				Unchanged:      ps.Unchanged,
				Failed:         ps.Failed,
				SessionExpired: ps.SessionExpired,
			}
			if passErr := passErrs[p]; passErr != nil {
				res.Error = passErr.Error()
			}
			out[string(p)] = res
		}
		for p, passErr := range passErrs {
			if _, ok := providers[p]; !ok {
				out[string(p)] = providerSyncResult{Error: passErr.Error()}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

type learningResult struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Type           string    `json:"type"`
	Rule           string    `json:"rule"`
	Confidence     float64   `json:"confidence"`
	Status         string    `json:"status"`
	Scope          string    `json:"scope"`
	ProjectPath    string    `json:"project_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func handleListLearnings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := queryInt(r, "limit", 50)

		learnings, err := deps.Learnings.List(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}

		out := make([]learningResult, len(learnings))
		for i, l := range learnings {
			out[i] = learningResult{
				ID:             l.ID,
				ConversationID: l.ConversationID,
				Type:           l.Type,
				Rule:           l.Rule,
				Confidence:     l.Confidence,
				Status:         l.Status,
				Scope:          l.Scope,
				ProjectPath:    l.ProjectPath,
				CreatedAt:      l.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"learnings": out})
	}
}

func handleReview(deps Deps, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var err error
		if status == storage.LearningApproved {
			err = deps.Learnings.Approve(id)
		} else {
			err = deps.Learnings.Reject(id)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "no learning with id "+id)
		case errors.Is(err, storage.ErrTerminalState):
			httpError(w, http.StatusConflict, "conflict", "learning is already approved or rejected")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
		}
	}
}

func handleListWorkflows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		sigs, err := deps.Store.ListWorkflowSignatures(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": sigs})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversations, err := deps.Store.CountConversations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		queueCounts, err := deps.Store.CountQueueItems()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		learningCounts, err := deps.Store.CountLearnings()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversations": conversations,
			"queue":         queueCounts,
			"learnings":     learningCounts,
		})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": code, "message": message},
	})
}
