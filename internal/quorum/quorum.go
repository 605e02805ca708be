// Package quorum runs cross-variant consensus: one sub-task per compute
// variant is fanned out through the task registry, and the quorum task
// finalizes once enough sub-task results agree. The aggregator never talks
// to workers; sub-task finalizations arrive as its own "submissions" via a
// fixed dispatcher callback.
package quorum

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"accord/internal/dispatch"
	acerrors "accord/internal/errors"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/pricing"
	"accord/internal/registry"
)

// CollectCallbackName is the callback every sub-task is created with. The
// quorum task id is bound as its single argument, so a sub-task
// finalization routes back here through the dispatcher, the only caller
// allowed to deliver sub-results.
const CollectCallbackName = "quorum.collect"

// Params describes a quorum task creation request.
type Params struct {
	Origin       string
	Payment      *big.Int
	ConfigRef    string
	Inputs       map[string]string
	Variants     []string
	Threshold    int    // 0 → len(Variants)/2 + 1
	Redundancy   uint32 // per sub-task; 0 → 1
	CallbackName string
	CallbackArgs []string
	Flags        registry.Flags
}

// QuorumTask is the stored metadata for one cross-variant consensus run.
type QuorumTask struct {
	ID           uint64
	Requester    string
	CallbackName string
	CallbackArgs []string
	Threshold    int
	VariantCount int
}

type state struct {
	task  QuorumTask
	slots []string // sub-results in completion order, not variant order
}

// Aggregator orchestrates quorum tasks over a registry.
type Aggregator struct {
	mu     sync.Mutex
	lastID uint64
	tasks  map[uint64]*state

	handle     string // the intermediary handle sub-tasks are created under
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	hub        *notify.Hub
	logger     logging.Logger
}

// New creates an aggregator and registers its collect callback with the
// dispatcher. handle is the caller identity used for sub-task creation.
func New(reg *registry.Registry, dispatcher *dispatch.Dispatcher, hub *notify.Hub, handle string, logger logging.Logger) (*Aggregator, error) {
	if handle == "" {
		return nil, fmt.Errorf("quorum: aggregator handle must not be empty")
	}
	a := &Aggregator{
		tasks:      make(map[uint64]*state),
		handle:     handle,
		registry:   reg,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logging.OrNop(logger),
	}
	err := dispatcher.Register(CollectCallbackName, func(args []string, result string) {
		if len(args) != 1 {
			a.logger.Warn("quorum: collect callback with %d bound args, want 1", len(args))
			return
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			a.logger.Warn("quorum: collect callback with bad quorum id %q", args[0])
			return
		}
		a.collect(id, result)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create validates the request, fans one sub-task per variant out through
// the registry and stores the quorum task.
//
// Pricing quirk, preserved deliberately: the payment check happens after
// every sub-task has already been dispatched. A caller that cannot cover
// the total still pays for dispatched sub-tasks to run; pre-validate the
// total with the pricing table before calling.
func (a *Aggregator) Create(p Params) (uint64, error) {
	n := len(p.Variants)
	if n < 1 {
		return 0, &acerrors.ValidationError{Field: "variants", Reason: "at least one variant required"}
	}
	threshold := p.Threshold
	if threshold == 0 {
		threshold = n/2 + 1
	}
	if threshold < 1 || threshold > n {
		return 0, &acerrors.ValidationError{
			Field:  "threshold",
			Reason: fmt.Sprintf("must be between 1 and %d", n),
		}
	}
	redundancy := p.Redundancy
	if redundancy == 0 {
		redundancy = 1
	}

	a.mu.Lock()
	a.lastID++
	id := a.lastID
	a.tasks[id] = &state{task: QuorumTask{
		ID:           id,
		Requester:    p.Origin,
		CallbackName: p.CallbackName,
		CallbackArgs: append([]string(nil), p.CallbackArgs...),
		Threshold:    threshold,
		VariantCount: n,
	}}
	a.mu.Unlock()

	boundArgs := []string{strconv.FormatUint(id, 10)}
	total := new(big.Int)
	for _, variant := range p.Variants {
		unit, err := a.registry.Pricing().Price(variant)
		if err != nil {
			a.drop(id)
			return 0, &acerrors.ValidationError{Field: "variants", Reason: err.Error()}
		}
		subPayment := pricing.Total(unit, redundancy)
		total.Add(total, subPayment)

		rawSpec := map[string]any{
			"config":     p.ConfigRef,
			"input":      p.Inputs,
			"model":      variant,
			"redundancy": int64(redundancy),
		}
		if p.Flags.ExtractTag {
			rawSpec["return_content_within_result_tag"] = true
		}
		if p.Flags.StoreOffchain {
			rawSpec["store_result_offchain"] = true
		}
		subID, err := a.registry.CreateTask(a.handle, p.Origin, subPayment, rawSpec, CollectCallbackName, boundArgs)
		if err != nil {
			a.drop(id)
			return 0, fmt.Errorf("dispatch sub-task for variant %q: %w", variant, err)
		}
		a.logger.Debug("quorum: task %d dispatched sub-task %d (variant %q)", id, subID, variant)
	}

	payment := p.Payment
	if payment == nil {
		payment = new(big.Int)
	}
	if payment.Cmp(total) < 0 {
		// Sub-tasks are already out; only the quorum task itself is
		// rolled back.
		a.drop(id)
		return 0, &acerrors.InsufficientPaymentError{
			Required: pricing.FormatAmount(total),
			Provided: pricing.FormatAmount(payment),
		}
	}

	a.logger.Info("quorum: task %d created (%d variants, threshold %d)", id, n, threshold)
	a.publish(notify.Event{
		Kind:         notify.KindQuorumCreated,
		QuorumID:     id,
		VariantCount: n,
		Threshold:    threshold,
	})
	return id, nil
}

// Get looks a quorum task up by id.
func (a *Aggregator) Get(id uint64) (QuorumTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[id]
	if !ok {
		return QuorumTask{}, &acerrors.NotFoundError{Kind: "quorum task", ID: id}
	}
	task := st.task
	task.CallbackArgs = append([]string(nil), st.task.CallbackArgs...)
	return task, nil
}

// Results returns the sub-results collected so far, in completion order.
func (a *Aggregator) Results(id uint64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[id]
	if !ok {
		return nil, &acerrors.NotFoundError{Kind: "quorum task", ID: id}
	}
	return append([]string(nil), st.slots...), nil
}

// collect records one sub-task result. An unknown id is a silent no-op:
// the quorum task either finalized already or never existed, and duplicate
// delivery is expected to be idempotent. Reaching the threshold finalizes:
// state cleared, requester callback invoked, quorum-reached event emitted.
func (a *Aggregator) collect(id uint64, result string) {
	a.mu.Lock()
	st, ok := a.tasks[id]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("quorum: dropping sub-result for unknown task %d", id)
		return
	}

	matches := 1 // this result
	for _, v := range st.slots {
		if v == result {
			matches++
		}
	}

	if matches >= st.task.Threshold {
		fin := dispatch.Finalization{
			QuorumID: id,
			Callback: st.task.CallbackName,
			Args:     st.task.CallbackArgs,
			Result:   result,
		}
		a.mu.Unlock()
		if err := a.dispatcher.Finalize(a.clear(id), fin); err != nil {
			return
		}
		a.logger.Info("quorum: task %d reached threshold (%d matching)", id, matches)
		a.publish(notify.Event{Kind: notify.KindQuorumReached, QuorumID: id})
		return
	}

	st.slots = append(st.slots, result)
	a.mu.Unlock()
	a.logger.Debug("quorum: task %d stored sub-result in slot %d", id, len(st.slots))
}

// clear returns the dispatcher clear step: quorum task and result slots
// are removed together, never independently.
func (a *Aggregator) clear(id uint64) func() error {
	return func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.tasks[id]; !ok {
			return &acerrors.NotFoundError{Kind: "quorum task", ID: id}
		}
		delete(a.tasks, id)
		return nil
	}
}

func (a *Aggregator) drop(id uint64) {
	a.mu.Lock()
	delete(a.tasks, id)
	a.mu.Unlock()
}

func (a *Aggregator) publish(ev notify.Event) {
	if a.hub != nil {
		a.hub.Publish(ev)
	}
}
