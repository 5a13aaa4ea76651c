// Package source defines the normalized contract between sync providers and
// the rest of the system, plus the built-in CLI-log and web adapters.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider identifies a conversation source. The set is fixed; each provider
// determines the adapter strategy (file watch vs. polling) and dedup key shape.
type Provider string

const (
	ProviderClaudeCode Provider = "claude-code"
	ProviderCodexCLI   Provider = "codex-cli"
	ProviderClaudeWeb  Provider = "claude-web"
	ProviderChatGPTWeb Provider = "chatgpt-web"
)

// Providers lists all known providers in stable order.
func Providers() []Provider {
	return []Provider{ProviderClaudeCode, ProviderCodexCLI, ProviderClaudeWeb, ProviderChatGPTWeb}
}

// SourceKind reports whether the provider syncs from local CLI logs or a web API.
func (p Provider) SourceKind() string {
	switch p {
	case ProviderClaudeWeb, ProviderChatGPTWeb:
		return "web"
	default:
		return "cli"
	}
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// ErrNotModified is returned by Fetch when a descriptor has no new content
// relative to the supplied cursor fragment.
var ErrNotModified = errors.New("not modified")

// ErrorKind classifies adapter failures so the orchestrator can choose
// between retry, skip, and re-authentication.
type ErrorKind int

const (
	// KindTransient failures (timeouts, 5xx, rate limits, lock contention)
	// are retried with backoff.
	KindTransient ErrorKind = iota
	// KindPermanent failures (malformed payloads, schema mismatches,
	// non-auth 4xx) are recorded against the descriptor and skipped.
	KindPermanent
	// KindSessionExpired failures require external re-authentication and are
	// not counted as sync failures.
	KindSessionExpired
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindSessionExpired:
		return "sessionExpired"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// SessionExpired wraps err as an authentication failure.
func SessionExpired(op string, err error) error {
	return &Error{Kind: KindSessionExpired, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as transient so an unexpected failure never silently skips a descriptor.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Descriptor is one unit of sync work: a log file for CLI providers, a remote
// conversation stub for web providers.
type Descriptor struct {
	Key         string // stable per provider; cursor fragments are keyed by it
	DisplayName string
	UpdatedHint string // optional change hint; Fetch may skip without I/O when it equals the cursor fragment
}

// MessageRecord is a normalized message within a fetched batch.
type MessageRecord struct {
	Role      string
	Content   string
	Timestamp time.Time
	Seq       int
}

// ConversationHeader is the normalized conversation metadata for a batch.
type ConversationHeader struct {
	ExternalKey string
	Title       string
	ProjectPath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Summary     string
}

// Batch is one normalized (conversation, ordered messages) pair.
type Batch struct {
	Header   ConversationHeader
	Messages []MessageRecord
}

// Adapter produces normalized conversation batches for one provider.
//
// Fetch must be side-effect-free on failure: a returned error means no cursor
// fragment was consumed and the same descriptor can be retried. Failures are
// classified via Transient/Permanent/SessionExpired.
type Adapter interface {
	Provider() Provider

	// Discover enumerates the provider's current units of work.
	Discover(ctx context.Context) ([]Descriptor, error)

	// Fetch reads the descriptor's conversations. cursor is the fragment
	// previously returned for this descriptor ("" on first sync). It returns
	// the normalized batches and the new fragment, or ErrNotModified when
	// nothing changed.
	Fetch(ctx context.Context, desc Descriptor, cursor string) ([]Batch, string, error)
}
