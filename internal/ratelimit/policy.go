// Package ratelimit implements sliding-window admission control for chat
// events. Counters are tracked per identity and per IP under the same policy;
// either scope being exhausted denies the event.
package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so policy files can write "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy is the admission policy for one event type.
type Policy struct {
	// MaxAttempts is the base window limit before role multipliers.
	MaxAttempts int `yaml:"max_attempts"`
	// Window is the sliding-window duration.
	Window Duration `yaml:"window"`
	// Cooldown is the default block duration applied by a penalty.
	// Zero falls back to the limiter-wide default.
	Cooldown Duration `yaml:"cooldown"`
	// Burst is an extra allowance added on top of the scaled limit.
	Burst int `yaml:"burst"`
}

// PolicyFile is the on-disk shape of a rate-limit policy table.
type PolicyFile struct {
	// IPMultiplier scales MaxAttempts for the IP-scoped window. Shared NAT
	// means one IP legitimately carries several identities, so the IP
	// window is wider than the identity window by default.
	IPMultiplier float64           `yaml:"ip_multiplier"`
	Policies     map[string]Policy `yaml:"policies"`
}

// Event types the server gates.
const (
	EventChatMessage = "chat_message"
	EventJoinStream  = "join_stream"
	EventCommand     = "chat_command"
	EventAuthAttempt = "auth_attempt"
)

// DefaultPolicies is the built-in policy table used when no policy file is
// configured. Values mirror production settings.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		EventChatMessage: {MaxAttempts: 10, Window: Duration(60 * time.Second), Cooldown: Duration(5 * time.Minute), Burst: 0},
		EventJoinStream:  {MaxAttempts: 20, Window: Duration(60 * time.Second), Cooldown: Duration(2 * time.Minute), Burst: 5},
		EventCommand:     {MaxAttempts: 6, Window: Duration(10 * time.Second), Cooldown: Duration(time.Minute), Burst: 0},
		EventAuthAttempt: {MaxAttempts: 5, Window: Duration(15 * time.Minute), Cooldown: Duration(15 * time.Minute), Burst: 0},
	}
}

const defaultIPMultiplier = 2.0

// LoadPolicyFile reads a YAML policy table. Event types absent from the file
// keep their built-in defaults; a missing or empty path returns the defaults
// untouched.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	pf := &PolicyFile{
		IPMultiplier: defaultIPMultiplier,
		Policies:     DefaultPolicies(),
	}
	if path == "" {
		return pf, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rate limit policy file: %w", err)
	}

	var loaded PolicyFile
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parsing rate limit policy file: %w", err)
	}

	if loaded.IPMultiplier > 0 {
		pf.IPMultiplier = loaded.IPMultiplier
	}
	for event, policy := range loaded.Policies {
		if policy.MaxAttempts <= 0 || policy.Window <= 0 {
			return nil, fmt.Errorf("policy %q: max_attempts and window must be positive", event)
		}
		pf.Policies[event] = policy
	}
	return pf, nil
}
