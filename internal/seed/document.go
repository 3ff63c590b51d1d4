package seed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// DefaultVersion is assumed when a document carries no version marker.
const DefaultVersion = "1.0.0"

var supported = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Document is a decoded timetable. Tasks stay raw so that one malformed task
// does not prevent the others from loading.
type Document struct {
	Version Marker            `json:"version"`
	Meta    map[string]any    `json:"meta"`
	Tasks   []json.RawMessage `json:"tasks"`
}

// Marker is the document format version. YAML and TOML authors tend to
// write it as a bare number, so numbers are accepted too.
type Marker string

func (m *Marker) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Marker(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Newf("version must be a string or number, got %s", data)
	}
	*m = Marker(n.String())
	return nil
}

// Namespace returns meta.namespace when it is a non-empty string.
func (d *Document) Namespace() string {
	ns, _ := d.Meta["namespace"].(string)
	return strings.TrimSpace(ns)
}

type taskDecl struct {
	Meta struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     *bool  `json:"enabled"`
	} `json:"meta"`
	On struct {
		Schedule []struct {
			Cron string `json:"cron"`
		} `json:"schedule"`
	} `json:"on"`
	Steps []stepDecl `json:"steps"`
}

type stepDecl struct {
	Name   string         `json:"name"`
	Uses   string         `json:"uses"`
	Run    string         `json:"run"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	If     *bool          `json:"if"`
}

// JobError is a declaration that failed validation. Err is marked
// ErrInvalidJobDefinition.
type JobError struct {
	ID    string
	Index int
	Err   error
}

func (e *JobError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("task #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("task %q: %v", e.ID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func invalidJob(id string, index int, err error) *JobError {
	return &JobError{ID: id, Index: index, Err: errors.Mark(err, errors.ErrInvalidJobDefinition)}
}

// Decode parses a timetable in the format implied by name's extension:
// .json, .yaml/.yml or .toml. Other names are tried as JSON, then YAML.
func Decode(name string, data []byte) (*Document, error) {
	jb, err := coerceToJSON(name, data)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s", name), errors.ErrInvalidJobDefinition)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s", name), errors.ErrInvalidJobDefinition)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.Mark(errors.Newf("decode %s: trailing data", name), errors.ErrInvalidJobDefinition)
	}

	if doc.Version == "" {
		doc.Version = DefaultVersion
	}
	v, err := semver.NewVersion(string(doc.Version))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s: version %q", name, doc.Version), errors.ErrInvalidJobDefinition)
	}
	if !supported.Check(v) {
		return nil, errors.WithHint(
			errors.Mark(errors.Newf("%s: unsupported version %s", name, v), errors.ErrInvalidJobDefinition),
			"this release reads timetables of version 1.x")
	}
	return &doc, nil
}

// coerceToJSON converts YAML and TOML to JSON so every format goes through
// the same strict decoder.
func coerceToJSON(name string, data []byte) ([]byte, error) {
	var v any
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "yaml")
		}
	case ".toml":
		if err := toml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "toml")
		}
	default:
		if json.Valid(data) {
			return data, nil
		}
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, "yaml")
		}
	}
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(normalize(v))
}

// normalize makes every map key a string so the value marshals as JSON.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}

// decodeTask turns one raw task into a job of namespace ns. It checks shape
// only; trigger and payload validation is left to the job service.
func decodeTask(raw json.RawMessage, ns, origin string) (models.Job, error) {
	var decl taskDecl
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&decl); err != nil {
		return models.Job{ID: peekID(raw)}, err
	}

	job := models.Job{
		Namespace:   ns,
		ID:          strings.TrimSpace(decl.Meta.ID),
		Name:        decl.Meta.Name,
		Description: decl.Meta.Description,
		Enabled:     decl.Meta.Enabled == nil || *decl.Meta.Enabled,
		Origin:      origin,
	}
	if job.ID == "" {
		return job, errors.New("meta.id is required")
	}
	if n := len(decl.On.Schedule); n != 1 {
		return job, errors.Newf("on.schedule needs exactly one entry, found %d", n)
	}
	job.Trigger = strings.TrimSpace(decl.On.Schedule[0].Cron)

	for i, s := range decl.Steps {
		kind, err := models.ParseStepKind(s.Uses)
		if err != nil {
			return job, errors.Wrapf(err, "step %d", i)
		}
		job.Payload.Steps = append(job.Payload.Steps, models.Step{
			Name:   s.Name,
			Kind:   kind,
			Target: s.Run,
			Args:   s.Args,
			Kwargs: s.Kwargs,
			Skip:   s.If != nil && !*s.If,
		})
	}
	return job, nil
}

// peekID extracts meta.id from a task that failed strict decoding, for
// error reporting.
func peekID(raw json.RawMessage) string {
	var probe struct {
		Meta struct {
			ID any `json:"id"`
		} `json:"meta"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	if s, ok := probe.Meta.ID.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
