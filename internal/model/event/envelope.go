package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes a completed trial from an in-trial update.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

const (
	// InputSuffix names the database holding a project's stimuli.
	InputSuffix = "_input"
	// OutputSuffix names the database collecting a project's responses.
	OutputSuffix = "_output"
)

var (
	ErrInvalidPayload = errors.New("data event must be a JSON object")
	ErrMissingRouting = errors.New("data event is missing routing metadata")
)

// StudyRef tags a payload with the namespace it belongs to.
type StudyRef struct {
	Project    string `json:"project"`
	Experiment string `json:"experiment"`
	Iteration  string `json:"iteration,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// InputDatabase returns the database the project's trial sets are read from.
func (r StudyRef) InputDatabase() string { return r.Project + InputSuffix }

// OutputDatabase returns the database the project's data events are written to.
func (r StudyRef) OutputDatabase() string { return r.Project + OutputSuffix }

// Validate reports whether the ref carries enough metadata to route a write.
// The session id is optional; events sent before a session was assigned are
// still stored.
func (r StudyRef) Validate() error {
	var missing []string
	if r.Project == "" {
		missing = append(missing, "project")
	}
	if r.Experiment == "" {
		missing = append(missing, "experiment")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRouting, strings.Join(missing, ", "))
	}
	return nil
}

// Envelope is one data event: routing metadata plus the trial body. Body
// fields the gateway does not know about are carried through untouched.
type Envelope struct {
	Kind  Kind
	Study StudyRef
	Body  map[string]any
}

// NewEnvelope builds an envelope for an outgoing event.
func NewEnvelope(kind Kind, study StudyRef, body map[string]any) (Envelope, error) {
	if kind != KindFull && kind != KindIncremental {
		return Envelope{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := study.Validate(); err != nil {
		return Envelope{}, err
	}
	copied := make(map[string]any, len(body))
	for k, v := range body {
		copied[k] = v
	}
	return Envelope{Kind: kind, Study: study, Body: copied}, nil
}

// ParseEnvelope decodes a raw currentData payload. Numbers are kept as
// json.Number so they are forwarded exactly as the client sent them.
func ParseEnvelope(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if body == nil {
		return Envelope{}, ErrInvalidPayload
	}
	return FromBody(body)
}

// FromBody derives routing metadata from the field layouts clients use:
// proj_name/exp_name/iter_name, a study_metadata block, or dbname/collname.
func FromBody(body map[string]any) (Envelope, error) {
	study := StudyRef{
		Project:    firstNonEmpty(stringField(body, "proj_name"), nestedString(body, "study_metadata", "project"), strings.TrimSuffix(stringField(body, "dbname"), OutputSuffix)),
		Experiment: firstNonEmpty(stringField(body, "exp_name"), nestedString(body, "study_metadata", "experiment"), stringField(body, "collname")),
		Iteration:  firstNonEmpty(stringField(body, "iter_name"), nestedString(body, "study_metadata", "iteration"), stringField(body, "iterName")),
		SessionID:  firstNonEmpty(stringField(body, "gameID"), nestedString(body, "session_info", "gameID"), stringField(body, "gameid")),
	}
	if err := study.Validate(); err != nil {
		return Envelope{}, err
	}

	kind := KindFull
	if boolField(body, "isIncrementalData") || boolField(body, "incrementalData") {
		kind = KindIncremental
	}

	return Envelope{Kind: kind, Study: study, Body: body}, nil
}

// WithSession fills in the session id when the client did not send one.
func (e Envelope) WithSession(id string) Envelope {
	if e.Study.SessionID == "" {
		e.Study.SessionID = id
	}
	return e
}

// Incremental reports whether the event is an in-trial update.
func (e Envelope) Incremental() bool { return e.Kind == KindIncremental }

// Document returns the body with routing fields stamped on. Client-supplied
// identifiers are kept; dbname and collname are always recomputed so a write
// can never land in the input namespace.
func (e Envelope) Document() map[string]any {
	doc := make(map[string]any, len(e.Body)+7)
	for k, v := range e.Body {
		doc[k] = v
	}

	setDefault(doc, "proj_name", e.Study.Project)
	setDefault(doc, "exp_name", e.Study.Experiment)
	if e.Study.Iteration != "" {
		setDefault(doc, "iter_name", e.Study.Iteration)
	}
	if e.Study.SessionID != "" {
		setDefault(doc, "gameID", e.Study.SessionID)
	}
	setDefault(doc, "isIncrementalData", e.Incremental())

	doc["dbname"] = e.Study.OutputDatabase()
	doc["collname"] = e.Study.Experiment
	return doc
}

// MarshalJSON encodes the stamped document.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Document())
}

func setDefault(doc map[string]any, key string, value any) {
	if _, ok := doc[key]; !ok {
		doc[key] = value
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func nestedString(m map[string]any, outer, key string) string {
	inner, ok := m[outer].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(inner, key)
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
