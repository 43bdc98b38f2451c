package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grainstore/internal/record"
	"grainstore/internal/record/inmem"
)

func newTestServer(t *testing.T, store record.Store) *httptest.Server {
	t.Helper()
	if store == nil {
		store = inmem.New()
	}
	ts := httptest.NewServer(New("127.0.0.1:0", store, nil).router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRecordLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL + "/v1/records/grain-1"

	// Fresh insert.
	resp, body := doJSON(t, http.MethodPut, url,
		writeRequest{Payload: []byte("state-1")},
		map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))

	// Read it back; payload is base64 in JSON.
	resp, body = doJSON(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "grain-1", body["key"])
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	assert.Nil(t, body["tombstone"])
	payload, ok := body["payload"].(string)
	require.True(t, ok, "payload missing from %v", body)
	assert.Equal(t, "state-1", decodeBase64(t, payload))

	// Conditional update at the current version.
	resp, body = doJSON(t, http.MethodPut, url,
		writeRequest{Payload: []byte("state-2")},
		map[string]string{"If-Match": `"1"`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["version"])

	// Clear at the new version.
	resp, body = doJSON(t, http.MethodDelete, url, nil,
		map[string]string{"If-Match": `"2"`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["version"])
	assert.Equal(t, `"3"`, resp.Header.Get("ETag"))

	// The tombstone is still readable and keeps the lineage.
	resp, body = doJSON(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["tombstone"])
	assert.Equal(t, float64(3), body["version"])
	assert.Nil(t, body["payload"])
}

func TestGetAbsent(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/records/nothing-here", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInsertConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL + "/v1/records/grain-2"
	insert := map[string]string{"If-None-Match": "*"}

	resp, _ := doJSON(t, http.MethodPut, url, writeRequest{Payload: []byte("first")}, insert)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, url, writeRequest{Payload: []byte("second")}, insert)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestStaleUpdate(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL + "/v1/records/grain-3"

	resp, _ := doJSON(t, http.MethodPut, url,
		writeRequest{Payload: []byte("v1")},
		map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPut, url,
		writeRequest{Payload: []byte("v2")},
		map[string]string{"If-Match": `"1"`})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Stale tag, and a CAS against a key that was never written.
	resp, _ = doJSON(t, http.MethodPut, url,
		writeRequest{Payload: []byte("v3")},
		map[string]string{"If-Match": `"1"`})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/records/absent",
		writeRequest{Payload: []byte("x")},
		map[string]string{"If-Match": `"1"`})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestConditionalHeaderValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL + "/v1/records/grain-4"
	payload := writeRequest{Payload: []byte("x")}

	tests := []struct {
		name    string
		method  string
		headers map[string]string
	}{
		{name: "put without conditional header", method: http.MethodPut, headers: nil},
		{name: "put with both headers", method: http.MethodPut, headers: map[string]string{"If-None-Match": "*", "If-Match": `"1"`}},
		{name: "put with non-star if-none-match", method: http.MethodPut, headers: map[string]string{"If-None-Match": `"1"`}},
		{name: "put with malformed if-match", method: http.MethodPut, headers: map[string]string{"If-Match": `"abc"`}},
		{name: "put with zero if-match", method: http.MethodPut, headers: map[string]string{"If-Match": `"0"`}},
		{name: "delete without if-match", method: http.MethodDelete, headers: nil},
		{name: "delete with malformed if-match", method: http.MethodDelete, headers: map[string]string{"If-Match": "not-a-number"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body any
			if tt.method == http.MethodPut {
				body = payload
			}
			resp, _ := doJSON(t, tt.method, url, body, tt.headers)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/records/grain-5", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("If-None-Match", "*")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidKey(t *testing.T) {
	ts := newTestServer(t, nil)
	longKey := strings.Repeat("k", record.MaxKeyLen+1)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/records/"+longKey,
		writeRequest{Payload: []byte("x")},
		map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPurgeTombstones(t *testing.T) {
	store := inmem.New()
	ts := newTestServer(t, store)

	ctx := context.Background()
	_, err := store.InsertIfAbsent(ctx, "doomed", []byte("x"))
	require.NoError(t, err)
	_, err = store.CompareAndSwapTombstone(ctx, "doomed", 1)
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/maintenance/purge-tombstones", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["purged"])
	assert.Equal(t, 0, store.Len())
}

// bareStore hides every optional interface of the wrapped store.
type bareStore struct {
	record.Store
}

func TestPurgeUnsupported(t *testing.T) {
	ts := newTestServer(t, bareStore{inmem.New()})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/maintenance/purge-tombstones", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil,
		map[string]string{"X-Request-Id": "caller-chosen-id"})
	assert.Equal(t, "caller-chosen-id", resp.Header.Get("X-Request-Id"))

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func decodeBase64(t *testing.T, s string) string {
	t.Helper()
	out, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return string(out)
}
