package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalState is returned when a lifecycle transition is attempted on a
// record that has already reached a terminal state.
var ErrTerminalState = errors.New("record is in a terminal state")

// Source kinds for conversations.
const (
	SourceKindCLI    = "cli"
	SourceKindWeb    = "web"
	SourceKindImport = "import"
)

// Conversation is the canonical record for one synced conversation.
// (Provider, ExternalKey) is unique; UpdatedAt never decreases across upserts.
type Conversation struct {
	ID                string
	Provider          string
	SourceKind        string
	ExternalKey       string
	Title             string
	ProjectPath       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	MessageCount      int
	Summary           string
	Embedding         []float32
	EmbeddingProvider string
}

// Message belongs to exactly one conversation and is ordered within it by
// (Timestamp, Seq).
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Timestamp      time.Time
	Seq            int
}

// OrderingKey identifies a message position within its conversation.
// Timestamps are compared at millisecond precision with Seq as tiebreak.
type OrderingKey struct {
	TS  int64 // unix milliseconds
	Seq int
}

// Key returns the message's ordering key.
func (m Message) Key() OrderingKey {
	return OrderingKey{TS: m.Timestamp.UTC().UnixMilli(), Seq: m.Seq}
}

// Analysis queue item statuses.
const (
	QueuePending    = "pending"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// QueueItem is one unit of analysis work for a conversation.
// At most one pending/in-progress item exists per (conversation, type).
type QueueItem struct {
	ID             string
	ConversationID string
	Type           string
	Status         string
	Attempts       int
	BatchID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// Learning lifecycle statuses. Approved and rejected are terminal.
const (
	LearningPending  = "pending"
	LearningApproved = "approved"
	LearningRejected = "rejected"
)

// Learning types.
const (
	LearningCorrection = "correction"
	LearningPositive   = "positive"
	LearningImplicit   = "implicit"
)

// Learning scopes.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

// Learning is an extracted rule tied to its source conversation.
// Non-rejected learnings are unique per (scope, project, normalized rule).
type Learning struct {
	ID             string
	ConversationID string
	Type           string
	Rule           string
	NormalizedRule string
	Confidence     float64
	Status         string
	Scope          string
	ProjectPath    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowSignature groups conversations exhibiting a repeated task pattern,
// keyed by a deterministic signature hash.
type WorkflowSignature struct {
	ID              string
	SignatureHash   string
	Description     string
	ConversationIDs string // JSON array stored as text
	Occurrences     int
	Confidence      float64
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConversationEmbedding pairs a conversation id with its stored vector.
type ConversationEmbedding struct {
	ConversationID string
	UpdatedAt      time.Time
	Vector         []float32
}
