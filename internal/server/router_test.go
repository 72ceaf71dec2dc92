package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/autoexec/internal/status"
)

func setupRouter(t *testing.T, base string, store *status.Store) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(store, base, 4242, "http://localhost:8000/status").Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func twoServices() *status.Store {
	s := status.NewStore(status.DefaultLogCapacity)
	s.Set("/srv/repos/a", status.ServiceStatus{
		State:       status.StateRunning,
		URL:         "https://example.test/a.git",
		Branch:      "main",
		RepoPath:    "/srv/repos/a",
		ScriptToRun: "main.py",
		ManagerPID:  4242,
		ScriptPID:   status.PID(111),
		Logs:        []string{"[2024-05-01 10:00:00] [INFO] starting script script=main.py"},
	})
	s.Set("/srv/repos/b", status.ServiceStatus{
		State:      status.StateCrashed,
		URL:        "https://example.test/b.git",
		Branch:     "dev",
		RepoPath:   "/srv/repos/b",
		ManagerPID: 4242,
	})
	return s
}

func TestStatusSnapshot(t *testing.T) {
	h := setupRouter(t, "", twoServices())
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, float64(4242), doc["manager_pid"])
	assert.Equal(t, "http://localhost:8000/status", doc["api_url"])

	services := doc["services"].(map[string]any)
	require.Len(t, services, 2)

	a := services["/srv/repos/a"].(map[string]any)
	assert.Equal(t, "running", a["status"])
	assert.Equal(t, float64(111), a["script_pid"])
	assert.Equal(t, "main.py", a["script_to_run"])
	assert.Equal(t, float64(4242), a["service_manager_pid"])
	assert.Len(t, a["logs"], 1)

	b := services["/srv/repos/b"].(map[string]any)
	assert.Equal(t, "crashed", b["status"])
	assert.Equal(t, "dev", b["branch"])
	assert.Nil(t, b["script_pid"])
	assert.Contains(t, b, "script_pid")
	assert.Equal(t, []any{}, b["logs"])
}

func TestStatusEmptyStore(t *testing.T) {
	h := setupRouter(t, "", status.NewStore(0))
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Services)
	assert.Empty(t, resp.Services)
}

func TestUnknownPathIsNotFound(t *testing.T) {
	h := setupRouter(t, "", twoServices())
	for _, p := range []string{"/", "/status/extra", "/statuses", "/metrics"} {
		rec := doReq(t, h, http.MethodGet, p)
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.Equal(t, "Not Found", rec.Body.String(), p)
	}
	rec := doReq(t, h, http.MethodPost, "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasePath(t *testing.T) {
	h := setupRouter(t, "/api/", twoServices())
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/status").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status").Code)
}

func TestSnapshotIsIsolated(t *testing.T) {
	store := twoServices()
	h := setupRouter(t, "", store)
	first := doReq(t, h, http.MethodGet, "/status").Body.String()
	store.Update("/srv/repos/b", func(st *status.ServiceStatus) {
		st.State = status.StateRunning
		st.ScriptPID = status.PID(222)
	})
	second := doReq(t, h, http.MethodGet, "/status").Body.String()
	assert.NotEqual(t, first, second)
	assert.Contains(t, first, `"crashed"`)
}

func TestAPIURL(t *testing.T) {
	bound := &fakeAddr{"127.0.0.1:43210"}
	cases := []struct {
		listen, base, want string
	}{
		{"localhost:8000", "", "http://localhost:8000/status"},
		{":8000", "", "http://localhost:8000/status"},
		{"0.0.0.0:8000", "/api/", "http://localhost:8000/api/status"},
		{"127.0.0.1:0", "", "http://127.0.0.1:43210/status"},
		{"[::1]:9000", "", "http://[::1]:9000/status"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, APIURL(c.listen, bound, c.base), c.listen)
	}
}

type fakeAddr struct{ s string }

func (a *fakeAddr) Network() string { return "tcp" }
func (a *fakeAddr) String() string  { return a.s }

func TestNewServerServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := NewServer("127.0.0.1:0", "", twoServices(), 4242, nil)
	require.NoError(t, err)
	assert.NotContains(t, srv.APIURL(), ":0/")

	resp, err := http.Get(srv.APIURL())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc StatusResponse
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, srv.APIURL(), doc.APIURL)
	assert.Len(t, doc.Services, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestNewServerBindError(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "", status.NewStore(0), 1, nil)
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	_, err = NewServer(srv.Addr().String(), "", status.NewStore(0), 1, nil)
	require.Error(t, err)
}
