package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/demo"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/rest"
)

func newTestServer(t *testing.T, master bool, p persister.Persister) (*httptest.Server, *demo.Schema) {
	t.Helper()
	if p == nil {
		p = persister.NewMemory()
	}
	clk := clock.NewMock(1000)
	schema, err := demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), master)
	require.NoError(t, err)
	srv := schema.BuildRESTServer("/api/v1")
	return httptest.NewServer(srv.Router()), schema
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestServer_Index_ListsRegisteredFields(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "accounts")
	assert.Contains(t, fields, "holdings")
}

func TestServer_Schema_ReportsIsMatrixPerField(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/schema.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Fields []struct {
			Name     string `json:"name"`
			IsMatrix bool   `json:"is_matrix"`
		} `json:"fields"`
	}
	decodeBody(t, resp, &body)
	seen := map[string]bool{}
	for _, f := range body.Fields {
		seen[f.Name] = f.IsMatrix
	}
	assert.False(t, seen["accounts"])
	assert.True(t, seen["holdings"])
}

func TestServer_CreateAccount_MintsKeyAndGetReturnsIt(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data/accounts", map[string]any{"name": "Alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Alice", created.Name)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/data/accounts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var fetched struct {
		Name string `json:"name"`
	}
	decodeBody(t, getResp, &fetched)
	assert.Equal(t, "Alice", fetched.Name)
}

func TestServer_GetUnknownAccount_404sWithHypermediaEnvelope(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/data/accounts/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Name string `json:"name"`
		} `json:"error"`
	}
	decodeBody(t, resp, &env)
	assert.False(t, env.Success)
	assert.Equal(t, "ResourceNotFound", env.Error.Name)
}

func TestServer_Create_AlwaysMintsAFreshKeyEvenIfBodySuppliesOne(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	putResp := doJSON(t, http.MethodPut, ts.URL+"/api/v1/data/accounts/fixed-id", map[string]any{"id": "fixed-id", "name": "A"})
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	// POST always mints a fresh key via InitializeOwnKey regardless of
	// any "id" in the body, so it never collides with the PUT above.
	postResp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data/accounts", map[string]any{"id": "fixed-id", "name": "B"})
	require.Equal(t, http.StatusOK, postResp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, postResp, &created)
	assert.NotEqual(t, "fixed-id", created.ID)
}

func TestServer_PutThenPatch_HoldingMatrixField(t *testing.T) {
	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	putResp := doJSON(t, http.MethodPut, ts.URL+"/api/v1/data/holdings/acct-1/USD",
		map[string]any{"account_id": "acct-1", "asset": "USD", "amount": "100"})
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/data/holdings/acct-1/USD", nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var got struct {
		Amount string `json:"amount"`
	}
	decodeBody(t, getResp, &got)
	assert.Equal(t, "100", got.Amount)
}

func TestServer_Delete_WithStalePrecondition_FailsWith412(t *testing.T) {
	// GIVEN: a resource last modified after the client's requested cutoff
	// WHEN: Delete sends that stale If-Unmodified-Since
	// THEN: 412, with details carrying both the requested and the actual
	//   last-modified µs (spec.md §8 scenario 3)

	ts, _ := newTestServer(t, true, nil)
	defer ts.Close()

	doJSON(t, http.MethodPut, ts.URL+"/api/v1/data/accounts/a1", map[string]any{"id": "a1", "name": "A"})

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/data/accounts/a1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Current-If-Unmodified-Since", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	var body rest.Envelope
	decodeBody(t, resp, &body)
	require.NotNil(t, body.Error)
	assert.EqualValues(t, 1, body.Error.Details["if_unmodified_since"])
	assert.EqualValues(t, 1000, body.Error.Details["last_modified_us"])
}

func TestServer_FollowerRejectsWritesWith405(t *testing.T) {
	p := persister.NewMemory()
	master, err := func() (*demo.Schema, error) {
		clk := clock.NewMock(1000)
		return demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), true)
	}()
	require.NoError(t, err)
	master.OpenAccount("seed")

	ts, _ := newTestServer(t, false, p)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/data/accounts", map[string]any{"name": "Bob"})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_SwitchHTTPEndpointsTo503s_SuspendsDataEndpoints(t *testing.T) {
	p := persister.NewMemory()
	clk := clock.NewMock(1000)
	schema, err := demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), true)
	require.NoError(t, err)
	srv := schema.BuildRESTServer("/api/v1")
	srv.SwitchHTTPEndpointsTo503s()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/data/accounts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	statusResp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/status", nil)
	var status struct {
		Up bool `json:"up"`
	}
	decodeBody(t, statusResp, &status)
	assert.False(t, status.Up)
}
