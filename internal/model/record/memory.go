package record

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type memoryRecord struct {
	id       string
	body     json.RawMessage
	trials   []json.RawMessage
	isSet    bool
	numGames int
	games    []string
}

// MemoryStore implements Store in process memory. Used by tests and local
// tooling; nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string][]*memoryRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]*memoryRecord)}
}

// Insert appends a copy of doc.
func (s *MemoryStore) Insert(_ context.Context, database, collection string, doc json.RawMessage) (string, error) {
	if err := ValidateTarget(database, collection, doc); err != nil {
		return "", err
	}

	rec := &memoryRecord{id: uuid.NewString(), body: append(json.RawMessage(nil), doc...)}
	rec.trials, rec.isSet = TrialsOf(doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	colls, ok := s.data[database]
	if !ok {
		colls = make(map[string][]*memoryRecord)
		s.data[database] = colls
	}
	colls[collection] = append(colls[collection], rec)
	return rec.id, nil
}

// GetStims picks the least-assigned trial-set record, or returns every
// document as one trial when the collection holds no trial-set records.
func (s *MemoryStore) GetStims(_ context.Context, database, collection string, q StimsQuery) (TrialSet, error) {
	if database == "" || collection == "" {
		return TrialSet{}, ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.data[database][collection]
	if len(records) == 0 {
		return TrialSet{}, ErrNotFound
	}

	var chosen *memoryRecord
	for _, rec := range records {
		if rec.isSet && (chosen == nil || rec.numGames < chosen.numGames) {
			chosen = rec
		}
	}
	if chosen != nil {
		chosen.numGames++
		if q.SessionID != "" {
			chosen.games = append(chosen.games, q.SessionID)
		}
		return TrialSet{ID: chosen.id, Trials: chosen.trials}, nil
	}

	trials := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		trials = append(trials, rec.body)
	}
	return TrialSet{ID: records[0].id, Trials: trials}, nil
}

// Documents returns the stored documents of database/collection in insertion order.
func (s *MemoryStore) Documents(database, collection string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.data[database][collection]
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.body)
	}
	return out
}

// Games returns the session ids assigned to the trial-set record id.
func (s *MemoryStore) Games(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, colls := range s.data {
		for _, records := range colls {
			for _, rec := range records {
				if rec.id == id {
					return append([]string(nil), rec.games...)
				}
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error { return nil }
