package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/protocol"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/session"
)

func TestEmitDropsWhenQueueFull(t *testing.T) {
	opts := DefaultOptions("ws://unused", event.StudyRef{Project: "demo", Experiment: "trials"})
	opts.QueueSize = 2
	a := newAdapter(opts, zap.NewNop())
	defer a.cancel()

	sess := session.NewContext("1234-abc", "set-1", opts.Study, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.EmitTrial(sess, map[string]any{"n": i}), "a full queue never fails the caller")
	}

	assert.EqualValues(t, 3, a.Dropped())
	assert.EqualValues(t, 2, a.pending.Load())

	frame := <-a.outbox
	assert.Equal(t, protocol.EventCurrentData, frame.Event)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &doc))
	assert.EqualValues(t, 0, doc["n"])
	assert.Equal(t, "1234-abc", doc["gameID"])
	assert.Equal(t, map[string]any{"project": "demo", "experiment": "trials", "iteration": ""}, doc["study_metadata"])
}

func TestEmitRequiresSession(t *testing.T) {
	a := newAdapter(DefaultOptions("ws://unused", event.StudyRef{}), zap.NewNop())
	defer a.cancel()
	assert.Error(t, a.EmitTrial(nil, map[string]any{}))
}
