package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("no trial set found")
)

// TrialSet is the stimulus list handed to one session, with the id of the
// stored record it came from.
type TrialSet struct {
	ID     string            `json:"_id"`
	Trials []json.RawMessage `json:"trials"`
}

// StimsQuery carries the session context of a trial-set fetch.
type StimsQuery struct {
	Iteration string
	SessionID string
}

// Store persists data events and serves trial sets. Databases map to
// projects and collections to experiments.
type Store interface {
	// Insert appends doc to database/collection, creating the collection
	// when needed, and returns the new record's id.
	Insert(ctx context.Context, database, collection string, doc json.RawMessage) (string, error)
	// GetStims returns the trial set for database/collection.
	GetStims(ctx context.Context, database, collection string, q StimsQuery) (TrialSet, error)
	Close(ctx context.Context) error
}

// ValidateTarget checks the names and document of an insert before any
// storage is touched.
func ValidateTarget(database, collection string, doc json.RawMessage) error {
	if database == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidRequest)
	}
	if collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidRequest)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: document must be a JSON object", ErrInvalidRequest)
	}
	return nil
}

// TrialsOf extracts the trials array of a trial-set record. ok is false when
// the document has no trials array.
func TrialsOf(doc json.RawMessage) (trials []json.RawMessage, ok bool) {
	var probe struct {
		Trials json.RawMessage `json:"trials"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil || len(probe.Trials) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(probe.Trials, &trials); err != nil || trials == nil {
		return nil, false
	}
	return trials, true
}
