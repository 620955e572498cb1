package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Definition is an immutable DAG template. Changing behavior means
// registering a new Version; runs keep the version they were created with.
type Definition struct {
	ID          string     `json:"id"`
	Version     int        `json:"version"`
	Description string     `json:"description,omitempty"`
	Nodes       []TaskNode `json:"nodes"`
	Edges       []Edge     `json:"edges,omitempty"`
	Roots       []string   `json:"roots,omitempty"`   // designated roots; derived when empty
	Outputs     []string   `json:"outputs,omitempty"` // required outputs; sink nodes when empty
}

// TaskNode is one node of the template.
type TaskNode struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"` // resolved to executable logic by the task registry
	Params map[string]any `json:"params,omitempty"`

	// Condition is the default guard for incoming edges without their own guard.
	Condition string `json:"condition,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty"`

	// FanOut turns the node into a template instantiated once per element of
	// the collection Items evaluates to.
	FanOut bool   `json:"fan_out,omitempty"`
	Items  string `json:"items,omitempty"`

	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"`
}

// Edge is a dependency from From to To, optionally guarded by a predicate over
// From's output metadata.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`

	// Optional edges never block or fail their target when the source fails.
	Optional bool `json:"optional,omitempty"`
}

// Ref names a definition version, e.g. "short-video@3".
type Ref struct {
	ID      string
	Version int // 0 means latest
}

func (r Ref) String() string {
	if r.Version == 0 {
		return r.ID
	}
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}

// ParseRef parses "id" or "id@version".
func ParseRef(s string) (Ref, error) {
	id, version, found := strings.Cut(s, "@")
	if id == "" {
		return Ref{}, fmt.Errorf("empty definition reference %q", s)
	}
	if !found {
		return Ref{ID: id}, nil
	}
	var v int
	if _, err := fmt.Sscanf(version, "%d", &v); err != nil || v <= 0 {
		return Ref{}, fmt.Errorf("invalid version in definition reference %q", s)
	}
	return Ref{ID: id, Version: v}, nil
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*TaskNode, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Hash returns a stable content hash used to enforce immutability of a
// registered (id, version).
func (d *Definition) Hash() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshaling definition: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RetryPolicy controls backoff and attempt budget. Zero fields inherit from the
// policy the override is merged into.
type RetryPolicy struct {
	BaseDelay         Duration `json:"base_delay,omitempty"`
	ResourceBaseDelay Duration `json:"resource_base_delay,omitempty"`
	MaxDelay          Duration `json:"max_delay,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	Jitter            float64  `json:"jitter,omitempty"`
}

// Merge returns p with every non-zero field of override applied.
func (p RetryPolicy) Merge(override *RetryPolicy) RetryPolicy {
	if override == nil {
		return p
	}
	if override.BaseDelay > 0 {
		p.BaseDelay = override.BaseDelay
	}
	if override.ResourceBaseDelay > 0 {
		p.ResourceBaseDelay = override.ResourceBaseDelay
	}
	if override.MaxDelay > 0 {
		p.MaxDelay = override.MaxDelay
	}
	if override.MaxAttempts > 0 {
		p.MaxAttempts = override.MaxAttempts
	}
	if override.Jitter > 0 {
		p.Jitter = override.Jitter
	}
	return p
}

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
