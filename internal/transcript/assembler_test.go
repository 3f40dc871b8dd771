package transcript

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/yegors/voicelink/pkg/logger"
)

func newTestAssembler() *Assembler {
	return NewAssembler(logger.NewNop())
}

func TestCommitTurnOrdersUserBeforeAgent(t *testing.T) {
	a := newTestAssembler()

	a.AppendAgentPartial("Sure, ")
	a.AppendUserPartial("What time ")
	a.AppendUserPartial("is it?")
	a.AppendAgentPartial("it is noon.")

	committed := a.CommitTurn()
	if len(committed) != 2 {
		t.Fatalf("committed %d entries, want 2", len(committed))
	}
	if committed[0].Role != RoleUser || committed[0].Text != "What time is it?" {
		t.Errorf("first entry = %s %q, want USER with full utterance", committed[0].Role, committed[0].Text)
	}
	if committed[1].Role != RoleAgent || committed[1].Text != "Sure, it is noon." {
		t.Errorf("second entry = %s %q, want AGENT with full response", committed[1].Role, committed[1].Text)
	}

	// Partials are consumed by the commit.
	user, agent := a.Partials()
	if user != "" || agent != "" {
		t.Errorf("partials after commit = %q, %q, want empty", user, agent)
	}
}

func TestCommitTurnSkipsEmptySides(t *testing.T) {
	a := newTestAssembler()

	a.AppendAgentPartial("Hello there.")
	committed := a.CommitTurn()
	if len(committed) != 1 || committed[0].Role != RoleAgent {
		t.Fatalf("committed = %+v, want single AGENT entry", committed)
	}

	a.AppendUserPartial("   \n")
	if got := a.CommitTurn(); len(got) != 0 {
		t.Errorf("whitespace-only partial committed %d entries, want 0", len(got))
	}
	if a.Len() != 1 {
		t.Errorf("Len = %d, want 1", a.Len())
	}
}

func TestEntriesAreAppendOnlyAcrossTurns(t *testing.T) {
	a := newTestAssembler()

	a.AppendUserPartial("first")
	a.CommitTurn()
	a.AppendUserPartial("second")
	a.AppendAgentPartial("reply")
	a.CommitTurn()

	entries := a.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	texts := []string{entries[0].Text, entries[1].Text, entries[2].Text}
	want := []string{"first", "second", "reply"}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("entries[%d].Text = %q, want %q", i, texts[i], want[i])
		}
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if !strings.HasPrefix(e.ID, string(e.Role)+"-") {
			t.Errorf("entry ID %q not prefixed with role %s", e.ID, e.Role)
		}
		if seen[e.ID] {
			t.Errorf("duplicate entry ID %s", e.ID)
		}
		seen[e.ID] = true
	}

	// Mutating the returned slice does not affect the assembler.
	entries[0].Text = "mutated"
	if a.Entries()[0].Text != "first" {
		t.Error("Entries returned a live reference to internal state")
	}
}

func TestDiscardAgentPartialKeepsUserPartial(t *testing.T) {
	a := newTestAssembler()

	a.AppendUserPartial("hold on, ")
	a.AppendAgentPartial("As I was saying")
	a.DiscardAgentPartial()

	user, agent := a.Partials()
	if agent != "" {
		t.Errorf("agent partial = %q after discard, want empty", agent)
	}
	if user != "hold on, " {
		t.Errorf("user partial = %q, want preserved", user)
	}

	a.AppendUserPartial("stop")
	committed := a.CommitTurn()
	if len(committed) != 1 || committed[0].Text != "hold on, stop" {
		t.Fatalf("committed = %+v, want single user entry", committed)
	}
}

func TestOnEntryCallbackFiresInCommitOrder(t *testing.T) {
	a := newTestAssembler()

	var roles []Role
	a.OnEntry(func(e Entry) { roles = append(roles, e.Role) })

	a.AppendUserPartial("q")
	a.AppendAgentPartial("a")
	a.CommitTurn()

	if len(roles) != 2 || roles[0] != RoleUser || roles[1] != RoleAgent {
		t.Errorf("callback order = %v, want [USER AGENT]", roles)
	}
}

func TestReset(t *testing.T) {
	a := newTestAssembler()

	a.AppendUserPartial("x")
	a.CommitTurn()
	a.AppendAgentPartial("y")
	a.Reset()

	if a.Len() != 0 {
		t.Errorf("Len = %d after reset, want 0", a.Len())
	}
	if _, agent := a.Partials(); agent != "" {
		t.Errorf("agent partial survives reset: %q", agent)
	}
}

func TestFormatPlainText(t *testing.T) {
	ts := time.Date(2025, 6, 1, 9, 30, 5, 0, time.UTC)
	entries := []Entry{
		{Role: RoleUser, Text: "hello", Timestamp: ts},
		{Role: RoleAgent, Text: "hi there", Timestamp: ts.Add(2 * time.Second)},
	}

	got := FormatPlainText(entries)
	want := "[09:30:05] USER: hello\n[09:30:07] AGENT: hi there\n"
	if got != want {
		t.Errorf("FormatPlainText = %q, want %q", got, want)
	}

	if FormatPlainText(nil) != "" {
		t.Error("FormatPlainText(nil) should be empty")
	}
}

func TestFormatJSON(t *testing.T) {
	data, err := FormatJSON(nil)
	if err != nil {
		t.Fatalf("FormatJSON(nil): %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("FormatJSON(nil) = %s, want empty array", data)
	}

	entries := []Entry{{ID: "1", Role: RoleUser, Text: "x", Timestamp: time.Unix(0, 0).UTC()}}
	data, err = FormatJSON(entries)
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	var decoded []Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Text != "x" || decoded[0].Role != RoleUser {
		t.Errorf("decoded = %+v", decoded)
	}
}
