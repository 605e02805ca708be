package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	acerrors "accord/internal/errors"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/registry"
)

// Client is the wire counterpart of the HTTP API. It satisfies the
// worker's RegistryClient and ContentStore views, and turns HTTP status
// codes back into the typed error taxonomy so callers keep using
// errors.As predicates across the process boundary.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a client against baseURL (e.g. "http://host:8080").
func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// CreateTask submits a task creation request.
func (c *Client) CreateTask(ctx context.Context, caller, origin, payment string, spec map[string]any, callbackName string, callbackArgs []string) (uint64, error) {
	var resp createTaskResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", createTaskRequest{
		Caller:       caller,
		Origin:       origin,
		Payment:      payment,
		Spec:         spec,
		CallbackName: callbackName,
		CallbackArgs: callbackArgs,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id uint64) (registry.Task, error) {
	var resp taskResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/tasks/%d", id), nil, &resp); err != nil {
		return registry.Task{}, err
	}
	return registry.Task{
		ID:           resp.ID,
		Requester:    resp.Requester,
		VariantKey:   resp.Model,
		ConfigRef:    resp.Config,
		Inputs:       resp.Input,
		CallbackName: resp.CallbackName,
		CallbackArgs: resp.CallbackArgs,
		Redundancy:   resp.Redundancy,
		Flags: registry.Flags{
			ExtractTag:    resp.ExtractTag,
			StoreOffchain: resp.StoreOff,
		},
	}, nil
}

// CheckStatus asks whether attempting the task is still worthwhile.
func (c *Client) CheckStatus(ctx context.Context, id uint64, worker string) (registry.Status, error) {
	path := fmt.Sprintf("/v1/tasks/%d/status?worker=%s", id, url.QueryEscape(worker))
	var resp statusResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return registry.StatusNotFound, err
	}
	return parseStatus(resp.Status)
}

// Submit delivers a worker result.
func (c *Client) Submit(ctx context.Context, id uint64, worker, result string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/submissions", id),
		submitRequest{Worker: worker, Result: result}, nil)
}

// WorkerIndex reports the worker's current roster position and size.
func (c *Client) WorkerIndex(ctx context.Context, worker string) (int, int, error) {
	var resp workerIndexResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/workers/"+url.PathEscape(worker), nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Index, resp.Total, nil
}

// Register adds the worker handle to the roster. An existing registration
// is not an error: reconnecting workers re-register on startup.
func (c *Client) Register(ctx context.Context, worker string) error {
	err := c.doJSON(ctx, http.MethodPost, "/v1/workers", workerRequest{Handle: worker}, nil)
	if err != nil && strings.Contains(err.Error(), "already on roster") {
		return nil
	}
	return err
}

// Get fetches a blob by content hash.
func (c *Client) Get(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/content/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content %s: HTTP %d", hash, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
}

// Put stores a blob and returns its content hash.
func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/content", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("put content: HTTP %d", resp.StatusCode)
	}
	var parsed contentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Hash, nil
}

// Events dials the WebSocket feed and streams events until ctx is
// cancelled or the connection drops; the returned channel closes either
// way and the caller is expected to redial.
func (c *Client) Events(ctx context.Context) (<-chan notify.Event, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event feed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	events := make(chan notify.Event, wsEventBuffer)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer func() { _ = conn.Close() }()
		for {
			var ev notify.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("client: event feed closed: %v", err)
				}
				return
			}
			events <- ev
		}
	}()
	return events, nil
}

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out when non-nil. Non-2xx responses are converted back to
// typed errors.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError reverses writeError's status mapping.
func decodeError(resp *http.Response, path string) error {
	var parsed errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	msg := parsed.Error
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d on %s", resp.StatusCode, path)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &acerrors.ValidationError{Reason: msg}
	case http.StatusPaymentRequired:
		return &acerrors.InsufficientPaymentError{Message: msg}
	case http.StatusForbidden:
		return &acerrors.AuthorizationError{Reason: msg}
	case http.StatusConflict:
		return &acerrors.DuplicateSubmissionError{TaskID: idFromPath(path), Message: msg}
	case http.StatusNotFound:
		return &acerrors.NotFoundError{Kind: "task", ID: idFromPath(path), Message: msg}
	default:
		return fmt.Errorf("%s", msg)
	}
}

func idFromPath(path string) uint64 {
	for _, part := range strings.Split(path, "/") {
		if id, err := strconv.ParseUint(part, 10, 64); err == nil {
			return id
		}
	}
	return 0
}
