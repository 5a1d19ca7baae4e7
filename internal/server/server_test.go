package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/codec"
	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncsvc"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/transport"
	"github.com/roach88/fieldsync/internal/vclock"
)

func newTestServer(t *testing.T, opts ...syncsvc.Option) (*Server, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open(filepath.Join(t.TempDir(), "canonical.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts = append([]syncsvc.Option{syncsvc.WithClock(testutil.NewManualClock())}, opts...)
	svc := syncsvc.New(st, opts...)
	return New(svc, transport.NewHub(), WithHealthCheck(st.Ping)), st
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func submit(device string, vc vclock.VectorClock, changes ...field.Change) syncsvc.SubmitRequest {
	return syncsvc.SubmitRequest{
		DeviceID: device,
		Delta:    field.Delta{DeviceID: device, Clock: vc, Changes: changes, Version: 1, Timestamp: 1},
	}
}

func TestDelta_ScenarioA(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sync/delta", submit("A", vclock.VectorClock{"A": 1},
		field.Change{X: 3, Y: 4, Value: 0.7, Timestamp: 1000}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/sync/delta", submit("B", vclock.VectorClock{"B": 1},
		field.Change{X: 3, Y: 4, Value: 0.9, Timestamp: 1050}))
	require.Equal(t, http.StatusOK, w.Code)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "scenario_a_response", w.Body.Bytes())

	w = do(t, s, http.MethodGet, "/v1/sync/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view syncsvc.StateView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, 0.9, view.Cells[field.Coord{X: 3, Y: 4}].Value)
	assert.Equal(t, "B", view.Cells[field.Coord{X: 3, Y: 4}].LastWriter)

	w = do(t, s, http.MethodGet, "/v1/sync/clock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"globalClock":{"A":1,"B":1}}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/sync/conflicts?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conflicts syncsvc.ConflictsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflicts))
	require.Len(t, conflicts.Conflicts, 1)
	assert.Equal(t, field.UsedRemote, conflicts.Conflicts[0].Resolution)
	assert.Equal(t, "B", conflicts.Conflicts[0].DeviceID)
}

func TestDelta_ScenarioB(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 1; i <= 100; i++ {
		w := do(t, s, http.MethodPost, "/v1/sync/delta", submit("A", vclock.VectorClock{"A": int64(i)},
			field.Change{X: i, Y: 0, Value: 1, Timestamp: int64(i)}))
		require.Equal(t, http.StatusOK, w.Code, "submission %d", i)
		assert.Equal(t, strconv.Itoa(100-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := do(t, s, http.MethodPost, "/v1/sync/delta", submit("A", vclock.VectorClock{"A": 101},
		field.Change{X: 101, Y: 0, Value: 1, Timestamp: 101}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"success":false,"error":"rate_limited","retryAfter":60000}`, w.Body.String())
}

func TestDelta_BadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"not json", `{"deviceId":`, syncsvc.ErrCodeInvalidDelta},
		{"missing device", submit("", vclock.VectorClock{"A": 1}), syncsvc.ErrCodeInvalidDelta},
		{"negative clock", submit("A", vclock.VectorClock{"A": -1}), syncsvc.ErrCodeInvalidDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/sync/delta", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"success":false,"error":%q}`, tt.code), w.Body.String())
		})
	}
}

func TestPacked(t *testing.T) {
	s, _ := newTestServer(t)
	payload, err := codec.EncodeChanges([]field.Change{{X: 1, Y: 2, Value: 0.5, Timestamp: 42}})
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/v1/sync/packed", syncsvc.PackedSubmitRequest{
		DeviceID: "A", Clock: vclock.VectorClock{"A": 1}, Version: 1, Timestamp: 42, Payload: payload,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"appliedChanges":1,"conflicts":[],"globalClock":{"A":1}}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/sync/packed", syncsvc.PackedSubmitRequest{
		DeviceID: "A", Clock: vclock.VectorClock{"A": 2}, Payload: payload[:15],
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"malformed_delta"}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/sync/packed", `{"deviceId":"A","payload":"not base64!"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConflicts_BadLimit(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/v1/sync/conflicts?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/v1/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s, st := newTestServer(t)

	w := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	do(t, s, http.MethodPost, "/v1/sync/delta", submit("A", vclock.VectorClock{"A": 1},
		field.Change{X: 0, Y: 0, Value: 1, Timestamp: 1}))
	w = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fieldsync_submissions_total")

	require.NoError(t, st.Close())
	w = do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth_CheckError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(nil, nil, WithHealthCheck(func(context.Context) error { return errors.New("disk full") }))
	w := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "disk full")

	w = do(t, s, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err = http.Get(url)
	assert.Error(t, err)
}
