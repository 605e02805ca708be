// Package worker implements the off-chain worker: an uncoordinated,
// long-lived process that reacts to task notifications, holds back
// according to the deterministic stagger schedule, invokes the compute
// provider and submits its result. Liveness re-checks around the expensive
// work are the correctness backstop; they skip wasted effort but nothing
// depends on them, since the registry rejects or ignores duplicate and
// late submissions anyway.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"accord/internal/compute"
	"accord/internal/contentstore"
	acerrors "accord/internal/errors"
	"accord/internal/logging"
	"accord/internal/notify"
	"accord/internal/registry"
)

// RegistryClient is the worker's view of the registry; it is implemented
// in-process by the registry itself and over the wire by the HTTP client.
type RegistryClient interface {
	GetTask(ctx context.Context, id uint64) (registry.Task, error)
	CheckStatus(ctx context.Context, id uint64, worker string) (registry.Status, error)
	Submit(ctx context.Context, id uint64, worker, result string) error
	WorkerIndex(ctx context.Context, worker string) (index, total int, err error)
}

// ContentStore is the worker's view of the content-addressed store.
type ContentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, data []byte) (string, error)
}

// Options tunes a Runner.
type Options struct {
	// Handle is this worker's roster identity.
	Handle string
	// BaseInterval is the stagger step; zero means DefaultBaseInterval.
	BaseInterval time.Duration
	// FetchRetries bounds the backoff retries around content fetches.
	FetchRetries uint64
}

// Runner drives one worker over a stream of task events.
type Runner struct {
	handle       string
	baseInterval time.Duration
	fetchRetries uint64

	client   RegistryClient
	store    ContentStore
	provider compute.Provider
	logger   logging.Logger

	wg sync.WaitGroup
}

// NewRunner builds a worker runner.
func NewRunner(opts Options, client RegistryClient, store ContentStore, provider compute.Provider, logger logging.Logger) *Runner {
	base := opts.BaseInterval
	if base == 0 {
		base = DefaultBaseInterval
	}
	retries := opts.FetchRetries
	if retries == 0 {
		retries = 3
	}
	return &Runner{
		handle:       opts.Handle,
		baseInterval: base,
		fetchRetries: retries,
		client:       client,
		store:        store,
		provider:     provider,
		logger:       logging.OrNop(logger),
	}
}

// Run consumes events until ctx is cancelled or the channel closes. Each
// task is processed on its own goroutine; Run returns after in-flight
// tasks drain.
func (r *Runner) Run(ctx context.Context, events <-chan notify.Event) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != notify.KindTaskCreated {
				continue
			}
			r.wg.Add(1)
			go func(ev notify.Event) {
				defer r.wg.Done()
				r.HandleTask(ctx, ev.TaskID, ev.Redundancy)
			}(ev)
		}
	}
}

// HandleTask runs the full pipeline for one task notification. Failures
// are logged and swallowed: a failed worker simply forfeits its turn and
// the task stays pending for the other workers.
func (r *Runner) HandleTask(ctx context.Context, taskID uint64, redundancy uint32) {
	if err := r.process(ctx, taskID, redundancy); err != nil {
		r.logger.Error("worker %s: task %d: %v", r.handle, taskID, err)
	}
}

func (r *Runner) process(ctx context.Context, taskID uint64, redundancy uint32) error {
	// Roster position is read at processing time, not creation time; a
	// roster change in between shifts the schedule. Accepted window.
	index, total, err := r.client.WorkerIndex(ctx, r.handle)
	if err != nil {
		return err
	}

	if delay := Delay(taskID, redundancy, index, total, r.baseInterval); delay > 0 {
		r.logger.Debug("worker %s: task %d: holding back %v (position beyond redundancy)", r.handle, taskID, delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	// Pre-work liveness check: skip if the primaries already covered it.
	status, err := r.client.CheckStatus(ctx, taskID, r.handle)
	if err != nil {
		return err
	}
	if status != registry.StatusOK {
		r.logger.Debug("worker %s: task %d: skipping, status %s", r.handle, taskID, status)
		return nil
	}

	task, err := r.client.GetTask(ctx, taskID)
	if err != nil {
		if acerrors.IsNotFound(err) {
			r.logger.Debug("worker %s: task %d: gone before work started", r.handle, taskID)
			return nil
		}
		return err
	}

	result, err := r.execute(ctx, task)
	if err != nil {
		return err
	}

	// Post-work re-check is advisory only; the registry rejects or
	// ignores a losing submission regardless.
	status, err = r.client.CheckStatus(ctx, taskID, r.handle)
	if err != nil {
		return err
	}
	if status != registry.StatusOK {
		r.logger.Info("worker %s: task %d: computed but %s, discarding", r.handle, taskID, status)
		return nil
	}

	err = r.client.Submit(ctx, taskID, r.handle, result)
	switch {
	case err == nil:
		r.logger.Info("worker %s: task %d: submitted", r.handle, taskID)
		return nil
	case acerrors.IsNotFound(err) || acerrors.IsDuplicateSubmission(err):
		r.logger.Debug("worker %s: task %d: submission ignored (%v)", r.handle, taskID, err)
		return nil
	default:
		return err
	}
}

// execute resolves the task's config and inputs, runs the provider and
// shapes the result per the task flags.
func (r *Runner) execute(ctx context.Context, task registry.Task) (string, error) {
	raw, err := r.fetchContent(ctx, task.ConfigRef)
	if err != nil {
		return "", &acerrors.ConfigResolutionError{Ref: task.ConfigRef, Err: err}
	}

	model, template := ParseConfig(raw)
	if model == "" {
		model = task.VariantKey
	}

	prompt, err := ExpandTemplate(template, task.Inputs, contentstore.IsContentHash, func(hash string) (string, error) {
		data, err := r.fetchContent(ctx, hash)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return "", &acerrors.ConfigResolutionError{Ref: task.ConfigRef, Err: err}
	}

	output, err := r.provider.Complete(ctx, compute.Request{Model: model, Prompt: prompt})
	if err != nil {
		return "", err
	}

	if task.Flags.ExtractTag {
		extracted, found := ExtractResult(output)
		if !found {
			r.logger.Warn("worker %s: task %d: no <result> tag in output, using raw text", r.handle, task.ID)
		}
		output = extracted
	}

	if task.Flags.StoreOffchain {
		hash, err := r.store.Put(ctx, []byte(output))
		if err != nil {
			return "", err
		}
		output = hash
	}
	return output, nil
}

// fetchContent reads a blob by content hash, retrying transient store
// failures with exponential backoff.
func (r *Runner) fetchContent(ctx context.Context, ref string) ([]byte, error) {
	if !contentstore.IsContentHash(ref) {
		return nil, fmt.Errorf("reference %q is not a content hash", ref)
	}
	var data []byte
	op := func() error {
		var err error
		data, err = r.store.Get(ctx, ref)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.fetchRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return data, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
