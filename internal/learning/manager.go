// Package learning manages the candidate → pending → approved/rejected
// lifecycle for extracted learnings and workflow signatures.
package learning

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/hindsight/internal/analyzer"
	"github.com/kalambet/hindsight/internal/storage"
)

// Result summarizes one batch of accepted candidates.
type Result struct {
	LearningsAdded int
	WorkflowsAdded int
	Discarded      int
}

// Manager deduplicates, scores, and state-manages candidates. It performs no
// automatic promotion: approval and rejection are external reviewer actions.
type Manager struct {
	store         *storage.Store
	minConfidence float64
	logger        *slog.Logger
}

// NewManager creates a lifecycle manager. Candidates below minConfidence are
// discarded before insertion.
func NewManager(store *storage.Store, minConfidence float64) *Manager {
	return &Manager{store: store, minConfidence: minConfidence, logger: slog.Default()}
}

// Accept processes analyzer candidates for one conversation. Learning
// candidates are normalized and deduplicated at insert time; workflow
// candidates are folded into their signature cluster.
func (m *Manager) Accept(ctx context.Context, conv storage.Conversation, candidates []analyzer.Candidate) (Result, error) {
	var res Result
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		switch cand.Kind {
		case analyzer.KindLearning:
			inserted, err := m.acceptLearning(conv, cand)
			if err != nil {
				return res, err
			}
			if inserted {
				res.LearningsAdded++
			} else {
				res.Discarded++
			}

		case analyzer.KindWorkflow:
			if cand.SignatureHash == "" {
				res.Discarded++
				continue
			}
			created, err := m.store.UpsertWorkflowSignature(cand.SignatureHash, cand.Description, conv.ID, cand.Confidence)
			if err != nil {
				return res, err
			}
			if created {
				res.WorkflowsAdded++
			}

		default:
			m.logger.Warn("dropping candidate of unknown kind", "kind", cand.Kind)
			res.Discarded++
		}
	}
	return res, nil
}

func (m *Manager) acceptLearning(conv storage.Conversation, cand analyzer.Candidate) (bool, error) {
	if cand.Confidence < m.minConfidence {
		return false, nil
	}
	normalized := Normalize(cand.Rule)
	if normalized == "" {
		return false, nil
	}

	scope, projectPath := scopeFor(conv)
	return m.store.InsertLearningIfNew(storage.Learning{
		ConversationID: conv.ID,
		Type:           cand.LearningType,
		Rule:           strings.TrimSpace(cand.Rule),
		NormalizedRule: normalized,
		Confidence:     cand.Confidence,
		Status:         storage.LearningPending,
		Scope:          scope,
		ProjectPath:    projectPath,
	})
}

// scopeFor derives the learning scope from the source conversation:
// project-scoped when it has a project path, global otherwise.
func scopeFor(conv storage.Conversation) (scope, projectPath string) {
	if conv.ProjectPath != "" {
		return storage.ScopeProject, conv.ProjectPath
	}
	return storage.ScopeGlobal, ""
}

// Normalize canonicalizes rule text for dedup: case-fold, collapse
// whitespace, strip trailing punctuation.
func Normalize(rule string) string {
	s := strings.ToLower(rule)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!?,;: ")
}

// Approve transitions a pending learning to approved (terminal).
func (m *Manager) Approve(id string) error {
	return m.store.SetLearningStatus(id, storage.LearningApproved)
}

// Reject transitions a pending learning to rejected (terminal).
func (m *Manager) Reject(id string) error {
	return m.store.SetLearningStatus(id, storage.LearningRejected)
}

// List returns learnings, optionally filtered by status.
func (m *Manager) List(status string, limit int) ([]storage.Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListLearnings(status, limit)
}
