package httpserver

import (
	"encoding/json"
	"testing"

	"github.com/kestrix/agentcore/internal/threadstore"
)

func TestLastUserMessage(t *testing.T) {
	tests := []struct {
		name string
		msgs []ChatMessage
		want string
		ok   bool
	}{
		{"single user message", []ChatMessage{{Role: "user", Content: "hi"}}, "hi", true},
		{
			"takes the newest user turn, ignoring assistant replies after it",
			[]ChatMessage{
				{Role: "user", Content: "first"},
				{Role: "assistant", Content: "reply"},
				{Role: "user", Content: "second"},
			},
			"second", true,
		},
		{"no user message present", []ChatMessage{{Role: "system", Content: "prompt"}}, "", false},
		{"empty list", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := lastUserMessage(tt.msgs)
			if ok != tt.ok || got != tt.want {
				t.Errorf("lastUserMessage() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHistoryToAgentMessages(t *testing.T) {
	mustJSON := func(s string) json.RawMessage {
		b, _ := json.Marshal(s)
		return b
	}

	history := []threadstore.Message{
		{Role: threadstore.RoleUser, Content: mustJSON("hello")},
		{Role: threadstore.RoleAssistant, Content: mustJSON("hi there")},
		{Role: threadstore.RoleTool, Content: json.RawMessage(`{"result":"x"}`)},
		{Role: threadstore.RoleSystem, Content: mustJSON("be concise")},
	}

	got := historyToAgentMessages(history)

	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3 (tool row should be skipped)", len(got))
	}
	if got[0].Role != "user" || got[0].Content != "hello" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Role != "assistant" || got[1].Content != "hi there" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[2].Role != "system" || got[2].Content != "be concise" {
		t.Errorf("got[2] = %+v", got[2])
	}
}
