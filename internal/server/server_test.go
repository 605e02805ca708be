package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accord/internal/contentstore"
	"accord/internal/dispatch"
	"accord/internal/notify"
	"accord/internal/pricing"
	"accord/internal/quorum"
	"accord/internal/registry"
)

type env struct {
	server     *Server
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hub := notify.NewHub(nil)
	dispatcher := dispatch.New(hub, nil)
	table := pricing.NewTable(mustAmount(t, "1"), map[string]*big.Int{
		"premium": mustAmount(t, "2.5"),
	})
	reg := registry.New(table, dispatcher, hub, nil)
	agg, err := quorum.New(reg, dispatcher, hub, "aggregator", nil)
	require.NoError(t, err)
	store, err := contentstore.New(t.TempDir(), 16, nil)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.EnableCORS = false
	srv := New(opts, reg, agg, store, hub, nil)
	return &env{server: srv, registry: reg, dispatcher: dispatcher}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func mustAmount(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := pricing.ParseAmount(s)
	require.NoError(t, err)
	return v
}

func taskBody(payment string) map[string]any {
	return map[string]any{
		"caller":  "requester",
		"payment": payment,
		"spec": map[string]any{
			"config":     strings.Repeat("ab", 32),
			"input":      map[string]any{"question": "2+2?"},
			"redundancy": 2,
		},
	}
}

func TestWorkerRoster(t *testing.T) {
	e := newEnv(t)

	for _, handle := range []string{"w0", "w1", "w2"} {
		rec := e.do(t, http.MethodPost, "/v1/workers", workerRequest{Handle: handle})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/v1/workers", workerRequest{Handle: "w1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list workersResponse
	decodeInto(t, rec, &list)
	require.Equal(t, []string{"w0", "w1", "w2"}, list.Workers)

	rec = e.do(t, http.MethodGet, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var idx workerIndexResponse
	decodeInto(t, rec, &idx)
	require.Equal(t, 1, idx.Index)
	require.Equal(t, 3, idx.Total)

	rec = e.do(t, http.MethodDelete, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodDelete, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskLifecycle(t *testing.T) {
	e := newEnv(t)
	for _, handle := range []string{"w0", "w1", "w2"} {
		require.NoError(t, e.registry.AddWorker(handle))
	}
	var delivered []string
	require.NoError(t, e.dispatcher.Register("notify.done", func(args []string, result string) {
		delivered = append(delivered, result)
	}))

	body := taskBody("2")
	body["callback_name"] = "notify.done"
	rec := e.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createTaskResponse
	decodeInto(t, rec, &created)
	require.Equal(t, uint64(1), created.TaskID)

	rec = e.do(t, http.MethodGet, "/v1/tasks/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task taskResponse
	decodeInto(t, rec, &task)
	require.Equal(t, "requester", task.Requester)
	require.Equal(t, uint32(2), task.Redundancy)
	require.Equal(t, "2", task.Payment)
	require.Equal(t, "2+2?", task.Input["question"])

	rec = e.do(t, http.MethodGet, "/v1/tasks/1/status?worker=w0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	decodeInto(t, rec, &status)
	require.Equal(t, "ok", status.Status)

	rec = e.do(t, http.MethodPost, "/v1/tasks/1/submissions", submitRequest{Worker: "w0", Result: "4"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/tasks/1/status?worker=w0", nil)
	decodeInto(t, rec, &status)
	require.Equal(t, "already-submitted", status.Status)

	rec = e.do(t, http.MethodGet, "/v1/tasks/1/submissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var subs submissionsResponse
	decodeInto(t, rec, &subs)
	require.Len(t, subs.Submissions, 1)
	require.Equal(t, 1, subs.Submissions[0].SlotIndex)
	require.Equal(t, "w0", subs.Submissions[0].Worker)

	// Second matching submission reaches consensus, fires the callback and
	// clears the task.
	rec = e.do(t, http.MethodPost, "/v1/tasks/1/submissions", submitRequest{Worker: "w1", Result: "4"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"4"}, delivered)

	rec = e.do(t, http.MethodGet, "/v1/tasks/1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/v1/tasks/1/status?worker=w2", nil)
	decodeInto(t, rec, &status)
	require.Equal(t, "not-found", status.Status)
}

func TestErrorStatusMapping(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.AddWorker("w0"))
	require.NoError(t, e.registry.AddWorker("w1"))

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("caller equals origin", func(t *testing.T) {
		body := taskBody("2")
		body["origin"] = "requester"
		rec := e.do(t, http.MethodPost, "/v1/tasks", body)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("underpaid", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/tasks", taskBody("0.5"))
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/v1/tasks/999", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		rec = e.do(t, http.MethodPost, "/v1/tasks/999/submissions", submitRequest{Worker: "w0", Result: "x"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unauthorized worker", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/tasks", taskBody("2"))
		require.Equal(t, http.StatusCreated, rec.Code)
		var created createTaskResponse
		decodeInto(t, rec, &created)
		path := fmt.Sprintf("/v1/tasks/%d/submissions", created.TaskID)
		rec = e.do(t, http.MethodPost, path, submitRequest{Worker: "intruder", Result: "x"})
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("duplicate submission", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/tasks", taskBody("2"))
		require.Equal(t, http.StatusCreated, rec.Code)
		var created createTaskResponse
		decodeInto(t, rec, &created)
		path := fmt.Sprintf("/v1/tasks/%d/submissions", created.TaskID)
		rec = e.do(t, http.MethodPost, path, submitRequest{Worker: "w0", Result: "first"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		rec = e.do(t, http.MethodPost, path, submitRequest{Worker: "w0", Result: "second"})
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestContentRoundtrip(t *testing.T) {
	e := newEnv(t)

	payload := []byte("model: premium\nanswer {{question}}")
	req := httptest.NewRequest(http.MethodPost, "/v1/content", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var put contentResponse
	decodeInto(t, rec, &put)
	require.Equal(t, contentstore.HashOf(payload), put.Hash)

	rec2 := e.do(t, http.MethodGet, "/v1/content/"+put.Hash, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, payload, rec2.Body.Bytes())

	rec2 = e.do(t, http.MethodGet, "/v1/content/"+strings.Repeat("00", 32), nil)
	require.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestQuorumEndpoints(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.AddWorker("w0"))
	require.NoError(t, e.registry.AddWorker("w1"))

	rec := e.do(t, http.MethodPost, "/v1/quorum", createQuorumRequest{
		Origin:   "requester",
		Payment:  "10",
		Config:   strings.Repeat("cd", 32),
		Input:    map[string]string{"question": "2+2?"},
		Variants: []string{"premium", "basic"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createQuorumResponse
	decodeInto(t, rec, &created)
	require.Equal(t, uint64(1), created.QuorumID)

	// One sub-task per variant was dispatched through the registry.
	for _, id := range []uint64{1, 2} {
		rec = e.do(t, http.MethodGet, fmt.Sprintf("/v1/tasks/%d", id), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/v1/quorum/1/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results quorumResultsResponse
	decodeInto(t, rec, &results)
	require.Empty(t, results.Results)

	rec = e.do(t, http.MethodGet, "/v1/quorum/99/results", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/quorum", createQuorumRequest{
		Origin:  "requester",
		Payment: "10",
		Config:  strings.Repeat("cd", 32),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseStatusRoundtrip(t *testing.T) {
	for _, st := range []registry.Status{
		registry.StatusNotFound,
		registry.StatusOK,
		registry.StatusAlreadySubmitted,
		registry.StatusNoConsensus,
	} {
		got, err := parseStatus(st.String())
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
	_, err := parseStatus("bogus")
	require.Error(t, err)
}

func TestRunShutdownDetachesMetricsFeed(t *testing.T) {
	hub := notify.NewHub(nil)
	dispatcher := dispatch.New(hub, nil)
	table := pricing.NewTable(mustAmount(t, "1"), nil)
	reg := registry.New(table, dispatcher, hub, nil)
	agg, err := quorum.New(reg, dispatcher, hub, "aggregator", nil)
	require.NoError(t, err)
	store, err := contentstore.New(t.TempDir(), 16, nil)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	opts.EnableCORS = false
	srv := New(opts, reg, agg, store, hub, nil)
	require.Equal(t, 1, hub.SubscriberCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)
}
