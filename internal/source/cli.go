package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// CLIAdapter reads append-only JSONL session logs under a watched directory
// tree. One descriptor per log file; the cursor fragment is a modification
// watermark, so unchanged files are skipped without being read.
type CLIAdapter struct {
	provider Provider
	root     string
	logger   *slog.Logger
}

// NewCLIAdapter creates an adapter for the given provider reading logs under root.
func NewCLIAdapter(provider Provider, root string) *CLIAdapter {
	return &CLIAdapter{provider: provider, root: root, logger: slog.Default()}
}

func (a *CLIAdapter) Provider() Provider { return a.provider }

// Root returns the watched directory tree.
func (a *CLIAdapter) Root() string { return a.root }

// Discover walks the log directory and returns one descriptor per .jsonl file.
// A missing root is treated as an empty provider, not an error.
func (a *CLIAdapter) Discover(ctx context.Context) ([]Descriptor, error) {
	if _, err := os.Stat(a.root); os.IsNotExist(err) {
		return nil, nil
	}

	var descs []Descriptor
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return err
		}
		descs = append(descs, Descriptor{Key: rel, DisplayName: rel})
		return nil
	})
	if err != nil {
		return nil, Transient("discover "+a.root, err)
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].Key < descs[j].Key })
	return descs, nil
}

// logLine is the normalized shape of one JSONL record.
type logLine struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
}

// Fetch parses the descriptor's log file into per-session batches.
// The returned fragment encodes mtime and size; a matching cursor yields
// ErrNotModified without reading the file.
func (a *CLIAdapter) Fetch(ctx context.Context, desc Descriptor, cursor string) ([]Batch, string, error) {
	path := filepath.Join(a.root, desc.Key)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", Permanent("stat "+desc.Key, err)
		}
		return nil, "", Transient("stat "+desc.Key, err)
	}

	fragment := fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())
	if cursor != "" && cursor == fragment {
		return nil, "", ErrNotModified
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", Transient("open "+desc.Key, err)
	}
	defer f.Close()

	type session struct {
		header   ConversationHeader
		messages []MessageRecord
	}
	sessions := make(map[string]*session)
	var order []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var total, malformed int
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		total++

		var line logLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil || line.Role == "" {
			malformed++
			a.logger.Debug("skipping malformed log line", "file", desc.Key, "line", total)
			continue
		}

		sid := line.SessionID
		if sid == "" {
			sid = "default"
		}
		sess, ok := sessions[sid]
		if !ok {
			sess = &session{header: ConversationHeader{
				// Dedup key derived from file path + session id.
				ExternalKey: desc.Key + "#" + sid,
				ProjectPath: line.Cwd,
			}}
			sessions[sid] = sess
			order = append(order, sid)
		}

		ts, err := time.Parse(time.RFC3339, line.Timestamp)
		if err != nil {
			// A missing or unparseable timestamp inherits the previous
			// message's, so the line's ordering key is identical every time
			// the file is re-read.
			if n := len(sess.messages); n > 0 {
				ts = sess.messages[n-1].Timestamp
			} else {
				ts = time.Unix(0, 0)
			}
		}
		sess.messages = append(sess.messages, MessageRecord{
			Role:      line.Role,
			Content:   line.Content,
			Timestamp: ts.UTC(),
			Seq:       len(sess.messages),
		})
		if sess.header.ProjectPath == "" && line.Cwd != "" {
			sess.header.ProjectPath = line.Cwd
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", Transient("read "+desc.Key, err)
	}

	if total > 0 && malformed == total {
		return nil, "", Permanent("parse "+desc.Key, fmt.Errorf("no parseable records in %d lines", total))
	}

	batches := make([]Batch, 0, len(order))
	for _, sid := range order {
		sess := sessions[sid]
		if len(sess.messages) == 0 {
			continue
		}
		sess.header.CreatedAt = sess.messages[0].Timestamp
		sess.header.UpdatedAt = sess.messages[len(sess.messages)-1].Timestamp
		sess.header.Title = deriveTitle(sess.messages)
		batches = append(batches, Batch{Header: sess.header, Messages: sess.messages})
	}

	return batches, fragment, nil
}

// deriveTitle takes the first user message's opening line, truncated.
func deriveTitle(msgs []MessageRecord) string {
	const maxTitle = 80
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		title := m.Content
		if idx := strings.IndexByte(title, '\n'); idx >= 0 {
			title = title[:idx]
		}
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		if utf8.RuneCountInString(title) > maxTitle {
			runes := []rune(title)
			title = string(runes[:maxTitle-1]) + "…"
		}
		return title
	}
	return "Untitled session"
}
