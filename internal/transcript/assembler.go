// Package transcript assembles streamed partial transcriptions from both
// sides of a live voice session into an ordered, append-only conversation
// log.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/voicelink/pkg/logger"
)

// Role identifies which side of the conversation produced an entry.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAgent Role = "AGENT"
)

// Entry is one committed conversation turn.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Assembler accumulates partial transcription fragments for the user and
// agent sides independently and commits them as ordered entries on turn
// boundaries. Committed entries are append-only.
type Assembler struct {
	logger *logger.Logger

	mu           sync.RWMutex
	userPartial  strings.Builder
	agentPartial strings.Builder
	entries      []Entry
	onEntry      func(Entry)
	now          func() time.Time
}

// NewAssembler creates an empty assembler.
func NewAssembler(log *logger.Logger) *Assembler {
	return &Assembler{
		logger: log.Named("transcript"),
		now:    time.Now,
	}
}

// OnEntry registers a callback invoked for each committed entry, in commit
// order. Must be set before the session starts feeding fragments.
func (a *Assembler) OnEntry(fn func(Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEntry = fn
}

// AppendUserPartial appends a fragment of the user's in-progress utterance.
func (a *Assembler) AppendUserPartial(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userPartial.WriteString(text)
}

// AppendAgentPartial appends a fragment of the agent's in-progress response.
func (a *Assembler) AppendAgentPartial(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentPartial.WriteString(text)
}

// Partials returns the current uncommitted text for both sides.
func (a *Assembler) Partials() (user, agent string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userPartial.String(), a.agentPartial.String()
}

// CommitTurn finalizes both accumulated partials at a turn boundary. The
// user's utterance is committed before the agent's response so that entries
// read in conversational order. Whitespace-only partials are dropped rather
// than committed. Returns the entries that were committed.
func (a *Assembler) CommitTurn() []Entry {
	a.mu.Lock()

	var committed []Entry
	if text := strings.TrimSpace(a.userPartial.String()); text != "" {
		committed = append(committed, a.commitLocked(RoleUser, text))
	}
	if text := strings.TrimSpace(a.agentPartial.String()); text != "" {
		committed = append(committed, a.commitLocked(RoleAgent, text))
	}
	a.userPartial.Reset()
	a.agentPartial.Reset()
	callback := a.onEntry
	a.mu.Unlock()

	if callback != nil {
		for _, e := range committed {
			callback(e)
		}
	}
	return committed
}

// commitLocked appends a finalized entry. Caller holds a.mu.
func (a *Assembler) commitLocked(role Role, text string) Entry {
	entry := Entry{
		// Identity token is side plus a random component, so IDs from the
		// two sides can never collide even within the same instant.
		ID:        string(role) + "-" + uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: a.now(),
	}
	a.entries = append(a.entries, entry)
	a.logger.Debug("Committed transcript entry",
		logger.String("role", string(role)),
		logger.Int("length", len(text)))
	return entry
}

// DiscardAgentPartial drops the agent's uncommitted text. Used when the
// agent is interrupted mid-response: the audio that was cut off was never
// heard, so its transcript must not be committed. The user's partial is
// deliberately kept, since the interruption itself is the start of the
// user's next utterance.
func (a *Assembler) DiscardAgentPartial() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.agentPartial.Len() > 0 {
		a.logger.Debug("Discarded agent partial", logger.Int("length", a.agentPartial.Len()))
	}
	a.agentPartial.Reset()
}

// ClearPartials drops both uncommitted buffers without committing them.
// Used on disconnect, where the committed transcript must survive but the
// live partial view must not.
func (a *Assembler) ClearPartials() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userPartial.Reset()
	a.agentPartial.Reset()
}

// Entries returns a copy of all committed entries in commit order.
func (a *Assembler) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of committed entries.
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Reset discards all committed entries and both partials. Used when a new
// session begins.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.userPartial.Reset()
	a.agentPartial.Reset()
}

// FormatPlainText renders committed entries one per line as
// "[HH:MM:SS] ROLE: text" using each entry's local timestamp.
func FormatPlainText(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Role, e.Text)
	}
	return b.String()
}

// FormatJSON renders committed entries as an indented JSON array.
func FormatJSON(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}
