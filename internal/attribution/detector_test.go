package attribution

import (
	"strings"
	"testing"
)

func TestDetectAgentFromSpiritAgent(t *testing.T) {
	t.Setenv("SPIRIT_AGENT", "my-agent")
	got := detectAgentUncached()
	if got != "my-agent" {
		t.Errorf("expected my-agent, got %s", got)
	}
}

func TestDetectAgentFromSpiritUser(t *testing.T) {
	t.Setenv("SPIRIT_AGENT", "")
	t.Setenv("SPIRIT_USER", "Ada Lovelace")
	got := detectAgentUncached()
	if got != "ada-lovelace" {
		t.Errorf("expected ada-lovelace, got %s", got)
	}
}

func TestDetectAgentFallback(t *testing.T) {
	t.Setenv("SPIRIT_AGENT", "")
	t.Setenv("SPIRIT_USER", "")
	got := detectAgentUncached()
	// Either a folded git name or nothing, never an invalid id.
	if got != "" && got != AgentIDFromName(got) {
		t.Errorf("unexpected agent id %q", got)
	}
}

func TestAgentIDFromName(t *testing.T) {
	tests := map[string]string{
		"aria":             "aria",
		"  Mentor Bot  ":   "mentor-bot",
		"o'brien / ops":    "o-brien-ops",
		"spirit_01":        "spirit_01",
		"!!!":              "",
		"":                 "",
		strings.Repeat("a", 70): strings.Repeat("a", 64),
	}
	for in, want := range tests {
		if got := AgentIDFromName(in); got != want {
			t.Errorf("AgentIDFromName(%q) = %q, want %q", in, got, want)
		}
	}
}
