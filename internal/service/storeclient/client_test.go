package storeclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogtoolslab/cab-experiments/backend/internal/service/storeclient"
)

func TestClientGetStims(t *testing.T) {
	var got storeclient.StimsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/db/getstims", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"_id":"abc","trials":[{"x":1},{"x":2}]}`))
	}))
	defer srv.Close()

	client := storeclient.New(srv.URL+"/", time.Second)
	resp, err := client.GetStims(context.Background(), storeclient.StimsRequest{
		DBName: "demo_input", CollName: "trials", Iteration: "pilot", GameID: "1234-x",
	})
	require.NoError(t, err)

	assert.Equal(t, "abc", resp.ID)
	assert.Len(t, resp.Trials, 2)
	assert.Equal(t, storeclient.StimsRequest{DBName: "demo_input", CollName: "trials", Iteration: "pilot", GameID: "1234-x"}, got)
}

func TestClientGetStimsErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"error":"no trial set found"}`, wantErr: storeclient.ErrStatus},
		{name: "missing trials", status: http.StatusOK, body: `{"_id":"abc"}`, wantErr: storeclient.ErrMalformedResponse},
		{name: "not json", status: http.StatusOK, body: `oops`, wantErr: storeclient.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := storeclient.New(srv.URL, time.Second).GetStims(context.Background(), storeclient.StimsRequest{DBName: "a", CollName: "b"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClientInsert(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/db/insert", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("[store] successfully inserted data."))
	}))
	defer srv.Close()

	msg, err := storeclient.New(srv.URL, time.Second).Insert(context.Background(), map[string]any{"dbname": "demo_output", "collname": "trials"})
	require.NoError(t, err)
	assert.Contains(t, msg, "successfully inserted")
	assert.Equal(t, "demo_output", got["dbname"])
}

func TestClientInsertUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := storeclient.New(url, 200*time.Millisecond).Insert(context.Background(), map[string]any{"a": 1})
	assert.Error(t, err)
}
