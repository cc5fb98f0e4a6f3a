// Package memory accumulates a session's conversation transcript and
// archives it once at teardown.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one conversation turn.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Archive persists a finished conversation. Implementations must be safe
// for concurrent use across sessions.
type Archive interface {
	Store(ctx context.Context, sessionID string, entries []Entry) error
}

// ArchiveFunc adapts a function to the Archive interface.
type ArchiveFunc func(ctx context.Context, sessionID string, entries []Entry) error

func (f ArchiveFunc) Store(ctx context.Context, sessionID string, entries []Entry) error {
	return f(ctx, sessionID, entries)
}

// Conversation is the in-flight transcript buffer for one session. The
// first Flush archives and clears it; later flushes and appends are no-ops.
type Conversation struct {
	sessionID string
	archive   Archive
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries []Entry
	flushed bool
}

func NewConversation(sessionID string, archive Archive, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		sessionID: sessionID,
		archive:   archive,
		logger:    logger,
		now:       time.Now,
	}
}

// Append records one turn. Empty text is dropped; so is anything arriving
// after the conversation has been flushed.
func (c *Conversation) Append(role, text string) {
	if c == nil {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		c.logger.Debug("append after flush dropped", "session_id", c.sessionID, "role", role)
		return
	}
	c.entries = append(c.entries, Entry{Role: role, Text: text, At: c.now()})
}

// Len reports buffered turns.
func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a copy of the buffered transcript.
func (c *Conversation) Entries() []Entry {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Flush archives the transcript exactly once and clears the buffer. The
// second and later calls return nil without touching the archive, even if
// the first attempt failed.
func (c *Conversation) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return nil
	}
	c.flushed = true
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()

	if c.archive == nil || len(entries) == 0 {
		return nil
	}
	return c.archive.Store(ctx, c.sessionID, entries)
}

// Clear drops the buffered transcript without archiving it.
func (c *Conversation) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
