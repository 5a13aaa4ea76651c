// Package analyzer defines the analysis capability interface and its
// implementations: a deterministic pattern detector, a workflow-signature
// detector, and a model-backed extractor.
package analyzer

import (
	"context"
	"fmt"

	"github.com/kalambet/hindsight/internal/storage"
)

// Analysis types. A queue item carries exactly one of these.
const (
	TypeLearning = "learning"
	TypeWorkflow = "workflow"
	TypeDedupe   = "dedupe"
)

// Candidate kinds.
const (
	KindLearning = "learning"
	KindWorkflow = "workflow"
)

// Candidate is an unconfirmed finding pending lifecycle processing.
// Learning candidates carry a rule; workflow candidates carry a cluster
// signature hash and description.
type Candidate struct {
	Kind          string
	LearningType  string // correction | positive | implicit
	Rule          string
	Confidence    float64
	SignatureHash string
	Description   string
}

// Analyzer examines one conversation and produces candidates.
type Analyzer interface {
	// Type returns the analysis type this analyzer handles.
	Type() string

	Analyze(ctx context.Context, conv storage.Conversation, msgs []storage.Message) ([]Candidate, error)
}

// Registry maps analysis types to their selected analyzer. Selection happens
// at wiring time (consent configuration included); dispatch is a lookup, not
// a type switch.
type Registry struct {
	byType map[string]Analyzer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Analyzer)}
}

// Register binds an analyzer to its type, replacing any previous binding.
func (r *Registry) Register(a Analyzer) {
	r.byType[a.Type()] = a
}

// Get returns the analyzer for an analysis type.
func (r *Registry) Get(analysisType string) (Analyzer, error) {
	a, ok := r.byType[analysisType]
	if !ok {
		return nil, fmt.Errorf("no analyzer registered for type %q", analysisType)
	}
	return a, nil
}

// Types returns the registered analysis types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}

// Multi fans one analysis out to several analyzers of the same type and
// merges their candidates. Used to run the pattern detector alongside the
// model-backed extractor.
type Multi struct {
	analysisType string
	analyzers    []Analyzer
}

// NewMulti combines analyzers under one analysis type.
func NewMulti(analysisType string, analyzers ...Analyzer) *Multi {
	return &Multi{analysisType: analysisType, analyzers: analyzers}
}

func (m *Multi) Type() string { return m.analysisType }

// Analyze runs each analyzer in order. A failing analyzer fails the whole
// item so the queue's retry accounting stays accurate.
func (m *Multi) Analyze(ctx context.Context, conv storage.Conversation, msgs []storage.Message) ([]Candidate, error) {
	var all []Candidate
	for _, a := range m.analyzers {
		cands, err := a.Analyze(ctx, conv, msgs)
		if err != nil {
			return nil, err
		}
		all = append(all, cands...)
	}
	return all, nil
}
