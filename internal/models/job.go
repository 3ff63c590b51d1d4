package models

import (
	"reflect"
	"time"
)

// Outcome enumerates how a dispatch attempt ended.
const (
	// OutcomeRunning marks a record written before the executor is invoked.
	// It is replaced by the final outcome when the run returns.
	OutcomeRunning         = "running"
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeSkippedOverlap  = "skipped-overlap"
	OutcomeSkippedDisabled = "skipped-disabled"
	OutcomeSkippedMisfire  = "skipped-misfire"
)

// Job is a schedulable unit keyed by (Namespace, ID).
type Job struct {
	Namespace   string     `json:"namespace"`
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	Trigger     string     `json:"trigger"`
	Payload     Payload    `json:"payload"`
	NextFireAt  *time.Time `json:"next_fire_at"`
	Version     int64      `json:"version"`
	// Origin is the seed source that last wrote the job. Empty for jobs
	// created through the API or CLI.
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies a job across namespaces.
type Key struct {
	Namespace string
	ID        string
}

func (k Key) String() string {
	return k.Namespace + "/" + k.ID
}

// Key returns the job's identity.
func (j Job) Key() Key {
	return Key{Namespace: j.Namespace, ID: j.ID}
}

// SameDefinition reports whether two jobs declare the same work: trigger,
// payload, enabled flag and display metadata. Scheduling state, version and
// timestamps are ignored.
func (j Job) SameDefinition(other Job) bool {
	return j.Trigger == other.Trigger &&
		j.Enabled == other.Enabled &&
		j.Name == other.Name &&
		j.Description == other.Description &&
		j.Payload.Equal(other.Payload)
}

// Execution is one dispatch attempt. Records are written once and never updated.
type Execution struct {
	ID           string    `json:"id"`
	JobNamespace string    `json:"job_namespace"`
	JobID        string    `json:"job_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Outcome      string    `json:"outcome"`
	ErrorDetail  *string   `json:"error_detail,omitempty"`
}

// Duration is the wall time the executor spent on the run.
func (e Execution) Duration() time.Duration {
	if e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Skipped reports whether the executor was never invoked.
func (e Execution) Skipped() bool {
	switch e.Outcome {
	case OutcomeSkippedOverlap, OutcomeSkippedDisabled, OutcomeSkippedMisfire:
		return true
	}
	return false
}

// Equal compares payloads structurally. Args and kwargs usually come out of
// JSON, so numbers are compared after normalization to float64.
func (p Payload) Equal(other Payload) bool {
	if len(p.Steps) != len(other.Steps) {
		return false
	}
	for i := range p.Steps {
		a, b := p.Steps[i], other.Steps[i]
		if a.Name != b.Name || a.Kind != b.Kind || a.Target != b.Target || a.Skip != b.Skip {
			return false
		}
		if !reflect.DeepEqual(normalize(emptyNil(a.Args)), normalize(emptyNil(b.Args))) {
			return false
		}
		if !reflect.DeepEqual(normalize(emptyNilMap(a.Kwargs)), normalize(emptyNilMap(b.Kwargs))) {
			return false
		}
	}
	return true
}

func emptyNil(v []any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func emptyNilMap(v map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func normalize(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
