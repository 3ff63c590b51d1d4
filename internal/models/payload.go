package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepKind selects how the executor invokes a step. The set is closed.
type StepKind string

const (
	// StepEntrypoint calls a function registered in the executor by name.
	StepEntrypoint StepKind = "entrypoint"
	// StepShell runs a command line.
	StepShell StepKind = "shell"
	// StepHTTP POSTs the invocation to a webhook.
	StepHTTP StepKind = "http"
)

// ParseStepKind maps a declared kind to a StepKind. "python-entrypoint" is
// accepted as an alias of entrypoint so existing task files keep loading.
func ParseStepKind(s string) (StepKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StepEntrypoint), "python-entrypoint":
		return StepEntrypoint, nil
	case string(StepShell), "command":
		return StepShell, nil
	case string(StepHTTP), "webhook":
		return StepHTTP, nil
	default:
		return "", fmt.Errorf("unknown step kind %q", s)
	}
}

// UnmarshalJSON rejects kinds outside the closed set.
func (k *StepKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseStepKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Payload is the work a job performs: an ordered list of steps handed to the
// executor as-is.
type Payload struct {
	Steps []Step `json:"steps"`
}

// Step names one invocation. Target is the entrypoint name, command line or
// URL depending on Kind.
type Step struct {
	Name   string         `json:"name,omitempty"`
	Kind   StepKind       `json:"kind"`
	Target string         `json:"target"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// Skip suppresses the step without removing it from the definition.
	Skip bool `json:"skip,omitempty"`
}

// Validate checks the payload shape.
func (p Payload) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("payload needs at least one step")
	}
	for i, s := range p.Steps {
		if _, err := ParseStepKind(string(s.Kind)); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if strings.TrimSpace(s.Target) == "" {
			return fmt.Errorf("step %d: target is required", i)
		}
	}
	return nil
}
