package flowmesh

import (
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("payload", "greeting")

	if env.Payload != "payload" {
		t.Errorf("Payload = %v, want %q", env.Payload, "payload")
	}
	if env.Type != "greeting" {
		t.Errorf("Type = %v, want %q", env.Type, "greeting")
	}
	if env.MessageID == "" {
		t.Error("MessageID was not generated")
	}
	if env.Receiver != "" || env.Topic != "" {
		t.Error("fresh envelope should carry no routing metadata")
	}
}

func TestNewEnvelope_Options(t *testing.T) {
	env := NewEnvelope("x", "t", WithMessageID("m-1"), WithSender("worker"))
	if env.MessageID != "m-1" {
		t.Errorf("MessageID = %q, want pinned %q", env.MessageID, "m-1")
	}
	if env.Sender != "worker" {
		t.Errorf("Sender = %q, want %q", env.Sender, "worker")
	}

	env = NewEnvelope("x", "t", WithMessageID(""))
	if env.MessageID == "" {
		t.Error("empty WithMessageID erased the minted ID")
	}
}

func TestNewEnvelope_UniqueMessageIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env := NewEnvelope(i, "n")
		if seen[env.MessageID] {
			t.Fatalf("duplicate MessageID %q", env.MessageID)
		}
		seen[env.MessageID] = true
	}
}

func TestEnvelope_ReceiverTopicExclusive(t *testing.T) {
	env := NewEnvelope("x", "t").WithReceiver("a")
	if env.Receiver != "a" || env.Topic != "" {
		t.Errorf("after WithReceiver: Receiver = %q, Topic = %q", env.Receiver, env.Topic)
	}

	env = env.WithTopic("updates")
	if env.Topic != "updates" || env.Receiver != "" {
		t.Errorf("after WithTopic: Receiver = %q, Topic = %q", env.Receiver, env.Topic)
	}

	env = env.WithReceiver("b")
	if env.Receiver != "b" || env.Topic != "" {
		t.Errorf("after second WithReceiver: Receiver = %q, Topic = %q", env.Receiver, env.Topic)
	}
}

func TestEnvelope_WithHelpersDoNotMutate(t *testing.T) {
	orig := NewEnvelope("x", "t")
	_ = orig.WithReceiver("a")
	_ = orig.WithTopic("b")
	_ = orig.WithSender("c")

	if orig.Receiver != "" || orig.Topic != "" || orig.Sender != "" {
		t.Error("With* helpers mutated the original envelope")
	}
}

func TestExecutorID_Type(t *testing.T) {
	tests := []struct {
		id   ExecutorID
		want string
	}{
		{"summarizer", "summarizer"},
		{"summarizer/eu-west", "summarizer"},
		{"a/b/c", "a"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := tt.id.Type(); got != tt.want {
			t.Errorf("ExecutorID(%q).Type() = %q, want %q", tt.id, got, tt.want)
		}
	}
}
