package server

import (
	"fmt"

	"accord/internal/pricing"
	"accord/internal/registry"
)

// Wire types for the HTTP API. Amounts travel as canonical decimal
// strings; the task spec travels as the loosely-typed map the registry
// schema validates.

type createTaskRequest struct {
	Caller       string         `json:"caller" binding:"required"`
	Origin       string         `json:"origin"`
	Payment      string         `json:"payment"`
	Spec         map[string]any `json:"spec" binding:"required"`
	CallbackName string         `json:"callback_name"`
	CallbackArgs []string       `json:"callback_args"`
}

type createTaskResponse struct {
	TaskID uint64 `json:"task_id"`
}

type taskResponse struct {
	ID           uint64            `json:"id"`
	Requester    string            `json:"requester"`
	Payment      string            `json:"payment"`
	Model        string            `json:"model,omitempty"`
	Config       string            `json:"config"`
	Input        map[string]string `json:"input"`
	CallbackName string            `json:"callback_name,omitempty"`
	CallbackArgs []string          `json:"callback_args,omitempty"`
	Redundancy   uint32            `json:"redundancy"`
	ExtractTag   bool              `json:"return_content_within_result_tag,omitempty"`
	StoreOff     bool              `json:"store_result_offchain,omitempty"`
}

func taskToWire(t registry.Task) taskResponse {
	return taskResponse{
		ID:           t.ID,
		Requester:    t.Requester,
		Payment:      pricing.FormatAmount(t.Payment),
		Model:        t.VariantKey,
		Config:       t.ConfigRef,
		Input:        t.Inputs,
		CallbackName: t.CallbackName,
		CallbackArgs: t.CallbackArgs,
		Redundancy:   t.Redundancy,
		ExtractTag:   t.Flags.ExtractTag,
		StoreOff:     t.Flags.StoreOffchain,
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

type submitRequest struct {
	Worker string `json:"worker" binding:"required"`
	Result string `json:"result"`
}

type submissionsResponse struct {
	Submissions []submissionWire `json:"submissions"`
}

type submissionWire struct {
	SlotIndex int    `json:"slot_index"`
	Worker    string `json:"worker"`
	Result    string `json:"result"`
}

type createQuorumRequest struct {
	Origin       string            `json:"origin"`
	Payment      string            `json:"payment"`
	Config       string            `json:"config" binding:"required"`
	Input        map[string]string `json:"input"`
	Variants     []string          `json:"variants" binding:"required"`
	Threshold    int               `json:"threshold"`
	Redundancy   uint32            `json:"redundancy"`
	CallbackName string            `json:"callback_name"`
	CallbackArgs []string          `json:"callback_args"`
	ExtractTag   bool              `json:"return_content_within_result_tag"`
	StoreOff     bool              `json:"store_result_offchain"`
}

type createQuorumResponse struct {
	QuorumID uint64 `json:"quorum_id"`
}

type quorumResultsResponse struct {
	Results []string `json:"results"`
}

type workerRequest struct {
	Handle string `json:"handle" binding:"required"`
}

type workersResponse struct {
	Workers []string `json:"workers"`
}

type workerIndexResponse struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

type contentResponse struct {
	Hash string `json:"hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// parseStatus maps the wire form back to a registry status.
func parseStatus(s string) (registry.Status, error) {
	for _, st := range []registry.Status{
		registry.StatusNotFound,
		registry.StatusOK,
		registry.StatusAlreadySubmitted,
		registry.StatusNoConsensus,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}
