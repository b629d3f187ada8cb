package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/handler"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"
	sessionsvc "github.com/cogtoolslab/cab-experiments/backend/internal/service/session"
	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storeclient"
)

func TestRunSession(t *testing.T) {
	store := record.NewMemoryStore()
	for _, doc := range []string{`{"trials":[{"stim":"a"},{"stim":"b"}]}`} {
		_, err := store.Insert(context.Background(), "demo_input", "trials", []byte(doc))
		require.NoError(t, err)
	}

	storeSrv := httptest.NewServer(handler.NewStoreRouter(handler.StoreDeps{Store: store, MaxBodyBytes: 1 << 20, Logger: zap.NewNop()}))
	defer storeSrv.Close()
	svc := sessionsvc.NewService(storeclient.New(storeSrv.URL, time.Second), zap.NewNop(), nil, time.Second)
	gateway := httptest.NewServer(handler.NewGatewayRouter(handler.GatewayDeps{
		Sessions:   svc,
		AppRoot:    t.TempDir(),
		MaxPayload: 1 << 20,
		Logger:     zap.NewNop(),
	}))
	defer gateway.Close()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runSession(ctx, params{
		url:         "ws" + strings.TrimPrefix(gateway.URL, "http") + "/socket",
		study:       event.StudyRef{Project: "demo", Experiment: "trials"},
		incremental: 1,
	}, zap.NewNop(), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), ": 2 trials from record")
	assert.Contains(t, out.String(), "sent 2 trials, 2 incremental events, dropped 0")
	require.Eventually(t, func() bool { return len(store.Documents("demo_output", "trials")) == 4 }, 5*time.Second, 10*time.Millisecond)
	svc.Wait()
}

func TestCommandRequiresStudy(t *testing.T) {
	t.Setenv("CAB_CONFIGFILE", t.TempDir()+"/missing")
	cmd := newCmd()
	cmd.SetArgs([]string{"--project", "demo"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
