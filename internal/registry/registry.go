// Package registry owns task creation, the worker roster and the
// submission aggregator. All of its entry points execute as indivisible
// read-modify-write steps under one mutex, standing in for the external
// serialization authority the protocol assumes, so the aggregation logic
// itself is written single-threaded.
package registry

import (
	"math/big"
	"sync"

	"accord/internal/dispatch"
	acerrors "accord/internal/errors"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/pricing"
)

// taskState pairs a stored task with its submission log. The log is
// insertion-ordered; byWorker indexes it by handle so duplicate checks and
// rescans are constant-time while first-empty-slot semantics are kept.
type taskState struct {
	task     Task
	log      []Submission
	byWorker map[string]int // handle → slot index (1-based)
}

// Registry is the task registry plus the same-task redundancy aggregator.
type Registry struct {
	mu     sync.Mutex
	lastID uint64
	tasks  map[uint64]*taskState
	roster roster

	pricing    *pricing.Table
	dispatcher *dispatch.Dispatcher
	hub        *notify.Hub
	logger     logging.Logger
}

// New creates a registry. The pricing table and dispatcher are required;
// hub and logger may be nil.
func New(table *pricing.Table, dispatcher *dispatch.Dispatcher, hub *notify.Hub, logger logging.Logger) *Registry {
	return &Registry{
		tasks:      make(map[uint64]*taskState),
		pricing:    table,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logging.OrNop(logger),
	}
}

// Pricing exposes the registry's price table; the quorum aggregator uses
// it to compute sub-task prices.
func (r *Registry) Pricing() *pricing.Table {
	return r.pricing
}

// AddWorker appends a handle to the roster and emits a roster event.
func (r *Registry) AddWorker(handle string) error {
	r.mu.Lock()
	err := r.roster.add(handle)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(notify.Event{Kind: notify.KindRosterChanged, Worker: handle, Change: "added"})
	return nil
}

// RemoveWorker removes a handle from the roster and emits a roster event.
func (r *Registry) RemoveWorker(handle string) error {
	r.mu.Lock()
	err := r.roster.remove(handle)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(notify.Event{Kind: notify.KindRosterChanged, Worker: handle, Change: "removed"})
	return nil
}

// Workers returns the roster in insertion order.
func (r *Registry) Workers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roster.list()
}

// WorkerIndex reports a worker's current roster position and the roster
// size, both read at call time.
func (r *Registry) WorkerIndex(handle string) (index, total int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.roster.index(handle)
	if !ok {
		return 0, 0, &acerrors.AuthorizationError{Caller: handle, Reason: "not on worker roster"}
	}
	return i, r.roster.count(), nil
}

// CreateTask validates the creation payload, charges for redundancy and
// stores the task. Ids are assigned monotonically and only on success:
// a failed call never consumes one. caller must be the intermediary
// program requesting the task, origin the externally-initiated
// transaction's originator; they must differ.
func (r *Registry) CreateTask(caller, origin string, payment *big.Int, rawSpec map[string]any, callbackName string, callbackArgs []string) (uint64, error) {
	if caller == "" {
		return 0, &acerrors.ValidationError{Field: "caller", Reason: "must not be empty"}
	}
	if caller == origin {
		return 0, &acerrors.AuthorizationError{
			Caller: caller,
			Reason: "tasks must be requested by an intermediary program, not the transaction origin",
		}
	}

	spec, err := ParseTaskSpec(rawSpec)
	if err != nil {
		return 0, err
	}

	unit, err := r.pricing.Price(spec.Model)
	if err != nil {
		return 0, &acerrors.ValidationError{Field: "model", Reason: err.Error()}
	}
	total := pricing.Total(unit, spec.Redundancy)
	if payment == nil {
		payment = new(big.Int)
	}
	if payment.Cmp(total) < 0 {
		return 0, &acerrors.InsufficientPaymentError{
			Required: pricing.FormatAmount(total),
			Provided: pricing.FormatAmount(payment),
		}
	}

	r.mu.Lock()
	if int(spec.Redundancy) > r.roster.count() {
		r.mu.Unlock()
		return 0, &acerrors.ValidationError{
			Field:  "redundancy",
			Reason: "must not exceed the current worker count",
		}
	}

	r.lastID++
	id := r.lastID
	task := Task{
		ID:           id,
		Requester:    caller,
		Payment:      new(big.Int).Set(payment),
		VariantKey:   spec.Model,
		ConfigRef:    spec.ConfigRef,
		Inputs:       cloneStringMap(spec.Inputs),
		CallbackName: callbackName,
		CallbackArgs: cloneStrings(callbackArgs),
		Redundancy:   spec.Redundancy,
		Flags:        spec.Flags,
	}
	r.tasks[id] = &taskState{task: task, byWorker: make(map[string]int)}
	redundancy := task.Redundancy
	r.mu.Unlock()

	r.logger.Info("registry: task %d created by %s (model=%q redundancy=%d)", id, caller, task.VariantKey, redundancy)
	r.publish(notify.Event{Kind: notify.KindTaskCreated, TaskID: id, Redundancy: redundancy})
	return id, nil
}

// GetTask looks a task up by id.
func (r *Registry) GetTask(id uint64) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return Task{}, &acerrors.NotFoundError{Kind: "task", ID: id}
	}
	return st.task.clone(), nil
}

// Submissions returns the task's submission log in slot order.
func (r *Registry) Submissions(id uint64) ([]Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return nil, &acerrors.NotFoundError{Kind: "task", ID: id}
	}
	return append([]Submission(nil), st.log...), nil
}

// CheckStatus is the worker liveness probe: it reports whether attempting
// (or submitting) this task is still worthwhile. StatusNoConsensus is
// terminal: every slot is taken and no value reached the redundancy
// threshold; no retry path exists.
func (r *Registry) CheckStatus(id uint64, worker string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return StatusNotFound
	}
	if _, submitted := st.byWorker[worker]; submitted {
		return StatusAlreadySubmitted
	}
	if len(st.log) < r.roster.count() {
		return StatusOK
	}
	return StatusNoConsensus
}

// Submit records a worker's result. When the result's match count reaches
// the task's redundancy, the task finalizes: its state is cleared, the
// requester callback runs with the result appended to the bound args, and
// a finalized event is emitted. Otherwise the submission takes the first
// empty slot.
func (r *Registry) Submit(id uint64, worker, result string) error {
	r.mu.Lock()
	if !r.roster.contains(worker) {
		r.mu.Unlock()
		return &acerrors.AuthorizationError{Caller: worker, Reason: "not on worker roster"}
	}
	st, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return &acerrors.NotFoundError{Kind: "task", ID: id}
	}
	if _, submitted := st.byWorker[worker]; submitted {
		r.mu.Unlock()
		return &acerrors.DuplicateSubmissionError{TaskID: id, Worker: worker}
	}

	matches := 1 // this submission
	for _, sub := range st.log {
		if sub.Result == result {
			matches++
		}
	}

	if matches >= int(st.task.Redundancy) {
		fin := dispatch.Finalization{
			TaskID:   id,
			Callback: st.task.CallbackName,
			Args:     st.task.CallbackArgs,
			Result:   result,
		}
		r.mu.Unlock()
		if err := r.dispatcher.Finalize(r.clearTask(id), fin); err != nil {
			return err
		}
		r.logger.Info("registry: task %d finalized by %s (%d matching)", id, worker, matches)
		r.publish(notify.Event{Kind: notify.KindTaskFinalized, TaskID: id})
		return nil
	}

	slot := len(st.log) + 1
	st.log = append(st.log, Submission{SlotIndex: slot, Worker: worker, Result: result})
	st.byWorker[worker] = slot
	stalled := slot >= r.roster.count()
	r.mu.Unlock()
	r.logger.Debug("registry: task %d submission from %s stored in slot %d", id, worker, slot)
	if stalled {
		r.logger.Warn("registry: task %d filled all %d slots without consensus", id, slot)
		r.publish(notify.Event{Kind: notify.KindTaskNoConsensus, TaskID: id})
	}
	return nil
}

// clearTask returns the dispatcher clear step for a task: it removes the
// task and its whole submission log in one critical section, and fails
// if the state is already gone so a lost finalize race cannot invoke the
// callback a second time.
func (r *Registry) clearTask(id uint64) func() error {
	return func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.tasks[id]; !ok {
			return &acerrors.NotFoundError{Kind: "task", ID: id}
		}
		delete(r.tasks, id)
		return nil
	}
}

func (r *Registry) publish(ev notify.Event) {
	if r.hub != nil {
		r.hub.Publish(ev)
	}
}
