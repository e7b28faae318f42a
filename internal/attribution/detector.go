// Package attribution picks the agent a command line acts for when none is
// given explicitly.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/scrypster/spirit-memory/internal/packs"
)

var (
	cachedName string
	once       sync.Once
)

// DetectAgent returns the default agent id, or "" when none can be derived.
// Checks in order: SPIRIT_AGENT env, SPIRIT_USER env, git config user.name.
// Names are folded into a valid agent id. The result is cached after the
// first call.
func DetectAgent() string {
	once.Do(func() {
		cachedName = detectAgentUncached()
	})
	return cachedName
}

// detectAgentUncached performs detection without caching. Used for testing.
func detectAgentUncached() string {
	for _, name := range []string{os.Getenv("SPIRIT_AGENT"), os.Getenv("SPIRIT_USER"), gitUserName()} {
		if id := AgentIDFromName(name); id != "" {
			return id
		}
	}
	return ""
}

// AgentIDFromName folds a display name into an agent id: lower case, runs
// of other characters become a single '-', at most 64 characters. Returns
// "" if nothing usable is left.
func AgentIDFromName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	id := strings.TrimRight(b.String(), "-")
	if len(id) > 64 {
		id = strings.TrimRight(id[:64], "-")
	}
	if !packs.ValidAgentID(id) {
		return ""
	}
	return id
}

// gitUserName runs `git config --get user.name` and returns the trimmed result.
// Returns empty string on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
