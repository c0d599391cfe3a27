package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/sitefs/internal/bootstrap"
	"github.com/devrev/sitefs/internal/config"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/service"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMembership is a fixed Membership for status responses
type fakeMembership struct {
	members  []string
	observed map[model.Site]bool
}

func (f fakeMembership) Members() []string             { return f.members }
func (f fakeMembership) Observed() map[model.Site]bool { return f.observed }

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	return newTestRouterWith(t, 100, nil)
}

func newTestRouterWith(t *testing.T, maxClients int, membership Membership) *mux.Router {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	sys, err := bootstrap.Build(config.DefaultConfig(), bootstrap.DefaultSeed(), m, logger)
	require.NoError(t, err)
	t.Cleanup(sys.Close)

	h := NewHandlers(
		sys.Coordinator,
		NewClientRegistry(sys.Coordinator, maxClients, m, logger),
		NewErrorHandler(logger),
		1<<20,
		logger,
	)
	if membership != nil {
		h.SetMembership(membership)
	}

	router := mux.NewRouter()
	h.Register(router.PathPrefix("/v1").Subrouter())
	return router
}

func do(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestReadFile(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/v1/files/file1.txt?site=london", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp FileResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Initial content of file1", resp.Content)
	assert.Equal(t, uint64(1), resp.Version)
	assert.Equal(t, model.Site("london"), resp.Site)
}

func TestReadFile_ReportsFallbackSite(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/v1/replicas/london/availability", `{"available":false}`).Code)

	rec := do(t, router, http.MethodGet, "/v1/files/file1.txt?site=london", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp FileResponse
	decode(t, rec, &resp)
	assert.Equal(t, model.Site("new-york"), resp.Site)
}

func TestReadFile_NotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/v1/files/nope.txt", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, ErrorCodeFileNotFound, resp.ErrorCode)
}

func TestWriteFile(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPut, "/v1/files/file2.txt", `{"content":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result service.WriteResult
	decode(t, rec, &result)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(2), result.Version)
	assert.Equal(t, "toronto", result.Primary.String())
	assert.Len(t, result.Updated, 3)

	rec = do(t, router, http.MethodGet, "/v1/replicas/london/files/file2.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fr FileResponse
	decode(t, rec, &fr)
	assert.Equal(t, "hello", fr.Content)
	assert.Equal(t, "london", fr.Site.String())
}

func TestWriteFile_Validation(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "missing content", body: `{}`},
		{name: "not json", body: `content=hello`},
		{name: "unknown field", body: `{"content":"x","owner":"bob"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPut, "/v1/files/file1.txt", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestWriteFile_NoPrimary(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPut, "/v1/files/orphan.txt", `{"content":"x"}`)

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, ErrorCodeConfiguration, resp.ErrorCode)
}

func TestWriteFile_QuorumNotMet(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/v1/replicas/toronto/availability", `{"available":false}`).Code)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/v1/replicas/london/availability", `{"available":false}`).Code)

	rec := do(t, router, http.MethodPut, "/v1/files/file1.txt", `{"content":"lost"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		ErrorCode ErrorCode          `json:"error_code"`
		Result    service.WriteResult `json:"result"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, ErrorCodeQuorumNotMet, resp.ErrorCode)
	assert.False(t, resp.Result.Success)
	assert.Equal(t, 1, resp.Result.Available)
	assert.Equal(t, 2, resp.Result.Required)

	rec = do(t, router, http.MethodGet, "/v1/files/file1.txt?site=new-york", "")
	var fr FileResponse
	decode(t, rec, &fr)
	assert.Equal(t, uint64(1), fr.Version)
}

func TestWriteFile_IdempotencyKey(t *testing.T) {
	router := newTestRouter(t)

	first := do(t, router, http.MethodPut, "/v1/files/file3.txt", `{"content":"once"}`, IdempotencyKeyHeader, "req-42")
	second := do(t, router, http.MethodPut, "/v1/files/file3.txt", `{"content":"once"}`, IdempotencyKeyHeader, "req-42")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	var a, b service.WriteResult
	decode(t, first, &a)
	decode(t, second, &b)
	assert.False(t, a.IsDuplicate)
	assert.True(t, b.IsDuplicate)
	assert.Equal(t, a.Version, b.Version)

	bad := do(t, router, http.MethodPut, "/v1/files/file3.txt", `{"content":"x"}`, IdempotencyKeyHeader, "has space")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestClientFlow_InvalidationReachesOtherReader(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/v1/clients/alice/files/file1.txt?site=new-york", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, http.MethodGet, "/v1/clients/bob/files/file1.txt?site=london", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPut, "/v1/clients/alice/files/file1.txt", `{"content":"Updated content by Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/clients/bob/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cache ClientResponse
	decode(t, rec, &cache)
	assert.Equal(t, "london", cache.PreferredSite.String())
	assert.False(t, cache.Cache["file1.txt"].Valid)

	rec = do(t, router, http.MethodGet, "/v1/clients/bob/files/file1.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fr ClientFileResponse
	decode(t, rec, &fr)
	assert.Equal(t, "Updated content by Alice", fr.Content)
	assert.Equal(t, uint64(2), fr.Version)

	rec = do(t, router, http.MethodGet, "/v1/clients", "")
	var list struct {
		Clients []ClientResponse `json:"clients"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Clients, 2)
	assert.Equal(t, "alice", list.Clients[0].Client)
	assert.Equal(t, "bob", list.Clients[1].Client)
}

func TestClient_UnknownSiteRejected(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/v1/clients/carol/files/file1.txt?site=tokyo", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/v1/clients/carol/cache", "").Code)
}

func TestReplicaStatus(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/v1/replicas/London/availability", `{"available":false}`).Code)

	rec := do(t, router, http.MethodGet, "/v1/replicas", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReplicaStatusResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Replicas, 3)
	assert.Equal(t, "new-york", resp.Replicas[0].Site.String())
	assert.False(t, resp.Replicas[2].Available)
	assert.Equal(t, 2, resp.Available)
	assert.True(t, resp.QuorumAvailable)
	assert.Equal(t, uint64(1), resp.Replicas[0].Files["file1.txt"])
}

func TestReplicaStatus_IncludesGossip(t *testing.T) {
	router := newTestRouterWith(t, 100, fakeMembership{
		members:  []string{"new-york", "toronto"},
		observed: map[model.Site]bool{"london": false, "toronto": true},
	})

	rec := do(t, router, http.MethodGet, "/v1/replicas", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReplicaStatusResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Gossip)
	assert.Equal(t, []string{"new-york", "toronto"}, resp.Gossip.Members)
	assert.False(t, resp.Gossip.Observed["london"])
	assert.True(t, resp.Gossip.Observed["toronto"])

	rec = do(t, newTestRouter(t), http.MethodGet, "/v1/replicas", "")
	assert.NotContains(t, rec.Body.String(), "gossip")
}

func TestClientRegistry_Capped(t *testing.T) {
	router := newTestRouterWith(t, 2, nil)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/v1/clients/alice/files/file1.txt", "").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/v1/clients/bob/files/file1.txt", "").Code)

	rec := do(t, router, http.MethodGet, "/v1/clients/carol/files/file1.txt", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/v1/clients/carol/cache", "").Code)

	// Existing clients keep working at the cap
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/v1/clients/alice/files/file1.txt", "").Code)
}

func TestReplicaReadFile_Errors(t *testing.T) {
	router := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/v1/replicas/london/availability", `{"available":false}`).Code)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, router, http.MethodGet, "/v1/replicas/london/files/file1.txt", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/v1/replicas/tokyo/files/file1.txt", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/v1/replicas/toronto/files/nope.txt", "").Code)
}

func TestSetAvailability_Validation(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPut, "/v1/replicas/london/availability", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPut, "/v1/replicas/tokyo/availability", `{"available":true}`).Code)
}
