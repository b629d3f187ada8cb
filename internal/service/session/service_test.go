package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/protocol"
	sessionsvc "github.com/cogtoolslab/cab-experiments/backend/internal/service/session"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storeclient"
)

type fakeStore struct {
	mu        sync.Mutex
	stimsReqs []storeclient.StimsRequest
	inserted  []map[string]any
	stimsErr  error
	insertErr error
}

func (f *fakeStore) GetStims(_ context.Context, req storeclient.StimsRequest) (storeclient.StimsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stimsReqs = append(f.stimsReqs, req)
	if f.stimsErr != nil {
		return storeclient.StimsResponse{}, f.stimsErr
	}
	return storeclient.StimsResponse{ID: "set-1", Trials: []json.RawMessage{json.RawMessage(`{"x":1}`)}}, nil
}

func (f *fakeStore) Insert(_ context.Context, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, doc)
	return "[store] successfully inserted data.", nil
}

func TestStartSession(t *testing.T) {
	store := &fakeStore{}
	reg := prometheus.NewRegistry()
	svc := sessionsvc.NewService(store, zap.NewNop(), metrics.NewGateway(reg), time.Second)

	stims, err := svc.StartSession(context.Background(), protocol.GetStims{ProjName: "demo", ExpName: "trials", IterName: "pilot"})
	require.NoError(t, err)

	assert.Equal(t, "set-1", stims.InputID)
	assert.Len(t, stims.Stims, 1)
	assert.Regexp(t, `^\d{4}-[0-9a-f-]{36}$`, stims.GameID)

	require.Len(t, store.stimsReqs, 1)
	assert.Equal(t, storeclient.StimsRequest{DBName: "demo_input", CollName: "trials", Iteration: "pilot", GameID: stims.GameID}, store.stimsReqs[0])
}

func TestStartSessionUniqueIDs(t *testing.T) {
	svc := sessionsvc.NewService(&fakeStore{}, nil, nil, time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		stims, err := svc.StartSession(context.Background(), protocol.GetStims{ProjName: "demo", ExpName: "trials"})
		require.NoError(t, err)
		assert.False(t, seen[stims.GameID], "duplicate gameid %s", stims.GameID)
		seen[stims.GameID] = true
	}
}

func TestStartSessionRequiresStudy(t *testing.T) {
	store := &fakeStore{}
	svc := sessionsvc.NewService(store, nil, nil, time.Second)

	_, err := svc.StartSession(context.Background(), protocol.GetStims{ProjName: "demo"})
	assert.ErrorIs(t, err, sessionsvc.ErrStudyRequired)
	assert.Empty(t, store.stimsReqs)
}

func TestStartSessionStoreFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.NewGateway(reg)
	storeErr := errors.New("connection refused")
	svc := sessionsvc.NewService(&fakeStore{stimsErr: storeErr}, zap.New(core), m, time.Second)

	_, err := svc.StartSession(context.Background(), protocol.GetStims{ProjName: "demo", ExpName: "trials"})
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 1, logs.FilterMessage("failed to fetch stims").Len())

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP gateway_stims_failures_total getStims requests dropped because the store could not serve them.
# TYPE gateway_stims_failures_total counter
gateway_stims_failures_total 1
`), "gateway_stims_failures_total"))
}

func TestRelayForwardsStampedDocument(t *testing.T) {
	store := &fakeStore{}
	svc := sessionsvc.NewService(store, zap.NewNop(), nil, time.Second)

	env, err := event.ParseEnvelope([]byte(`{"proj_name":"demo","exp_name":"trials","gameID":"1234-abc","response":"A","dbname":"demo_input"}`))
	require.NoError(t, err)

	svc.Relay(env, 120)
	svc.Relay(env, 120)
	svc.Wait()

	require.Len(t, store.inserted, 2)
	doc := store.inserted[0]
	assert.Equal(t, "demo_output", doc["dbname"])
	assert.Equal(t, "trials", doc["collname"])
	assert.Equal(t, "A", doc["response"])
	assert.Equal(t, false, doc["isIncrementalData"])
}

func TestRelayWithoutSessionID(t *testing.T) {
	store := &fakeStore{}
	svc := sessionsvc.NewService(store, zap.NewNop(), nil, time.Second)

	env, err := event.ParseEnvelope([]byte(`{"proj_name":"demo","exp_name":"trials","iter_name":"pilot","isIncrementalData":false,"response":"A"}`))
	require.NoError(t, err)

	svc.Relay(env, 90)
	svc.Wait()

	require.Len(t, store.inserted, 1)
	doc := store.inserted[0]
	assert.Equal(t, "demo_output", doc["dbname"])
	assert.Equal(t, "pilot", doc["iter_name"])
	_, hasGame := doc["gameID"]
	assert.False(t, hasGame)
}

func TestRelayLogsStoreFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	svc := sessionsvc.NewService(&fakeStore{insertErr: errors.New("store down")}, zap.New(core), nil, time.Second)

	env, err := event.ParseEnvelope([]byte(`{"proj_name":"demo","exp_name":"trials","gameID":"1234-abc"}`))
	require.NoError(t, err)

	svc.Relay(env, 64)
	svc.Wait()

	entries := logs.FilterMessage("failed to store data event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "demo_output", entries[0].ContextMap()["database"])
}
