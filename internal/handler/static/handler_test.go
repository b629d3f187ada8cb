package static_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cogtoolslab/cab-experiments/backend/internal/handler/static"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestHandlerBlocksDenylistedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "auth.json", `{"secret":true}`)
	writeFile(t, root, "study/auth.json", `{"secret":true}`)
	writeFile(t, root, "study/.env", "KEY=1")
	writeFile(t, root, "study/main.js", "console.log(\"study\")")

	core, logs := observer.New(zap.InfoLevel)
	h := static.New(root, static.DefaultDenylist, zap.New(core))

	for _, p := range []string{"/auth.json", "/study/auth.json", "/study/AUTH.JSON", "/study/.env", "/study/../auth.json"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		req.Header.Set("Referer", "https://example.org/study/")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code, p)
		assert.NotContains(t, rec.Body.String(), "secret", p)
	}
	assert.Equal(t, 5, logs.FilterMessage("forbidden file requested").Len())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/study/main.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "study")

	entries := logs.FilterMessage("file requested").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "unknown", entries[0].ContextMap()["referer"])
}

func TestHandlerMissingFile(t *testing.T) {
	h := static.New(t.TempDir(), static.DefaultDenylist, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerDoesNotListDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "study/main.js", "console.log(\"study\")")
	writeFile(t, root, "rating-task/index.html", "<h1>rating</h1>")

	h := static.New(root, static.DefaultDenylist, zap.NewNop())

	for _, p := range []string{"/", "/study/", "/study"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.NotContains(t, rec.Body.String(), "main.js", p)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rating-task/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rating")
}

func TestHandlerHidesPrivateDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data/store.db", "PARTICIPANT DATA")
	writeFile(t, root, "data/index.html", "<h1>data</h1>")
	writeFile(t, root, "database.js", "var db = 1;")

	core, logs := observer.New(zap.WarnLevel)
	h := static.New(root, static.DefaultDenylist, zap.New(core), filepath.Join(root, "data"))

	for _, p := range []string{"/data/store.db", "/data/", "/data", "/study/../data/store.db"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.NotContains(t, rec.Body.String(), "PARTICIPANT", p)
	}
	assert.Equal(t, 4, logs.FilterMessage("private path requested").Len())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/database.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "sibling names sharing the prefix are still served")
}
