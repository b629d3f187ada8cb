package session

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
)

// NewID returns a session id: four random digits followed by a UUIDv4.
func NewID() string {
	return fmt.Sprintf("%d%d%d%d-%s", rand.Intn(10), rand.Intn(10), rand.Intn(10), rand.Intn(10), uuid.NewString())
}

// Context is the client-side state of a running session. It is created when
// the trial set arrives and handed to every trial handler; nothing about a
// session lives in package-level state.
type Context struct {
	ID        string
	InputID   string
	Study     event.StudyRef
	Trials    []json.RawMessage
	StartedAt time.Time

	mu     sync.Mutex
	timing map[string]time.Time
	ended  bool
}

// NewContext starts a session context. The session id is fixed from here on.
func NewContext(id, inputID string, study event.StudyRef, trials []json.RawMessage) *Context {
	study.SessionID = id
	return &Context{
		ID:        id,
		InputID:   inputID,
		Study:     study,
		Trials:    trials,
		StartedAt: time.Now().UTC(),
		timing:    make(map[string]time.Time),
	}
}

// Mark records when a phase of the session was reached, e.g. "consent_start".
func (c *Context) Mark(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.timing[phase] = time.Now().UTC()
}

// Timing returns a copy of the recorded phase timestamps.
func (c *Context) Timing() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.timing))
	for k, v := range c.timing {
		out[k] = v
	}
	return out
}

// End closes the session; later marks are ignored.
func (c *Context) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.timing["experiment_complete"] = time.Now().UTC()
		c.ended = true
	}
}

// Ended reports whether End was called.
func (c *Context) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
