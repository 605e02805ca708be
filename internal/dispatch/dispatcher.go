// Package dispatch owns the finalize transition shared by both
// aggregators: aggregator state is wiped first, the requester callback
// runs second, and nothing the callback does can reorder or repeat the
// two steps.
package dispatch

import (
	"fmt"
	"sync"

	"accord/internal/logging"
	"accord/internal/notify"
)

// Callback is a requester-registered completion hook. args are the values
// bound at task creation; result is the consensus value, appended last.
type Callback func(args []string, result string)

// Finalization names the callback to run once the clear step has
// committed.
type Finalization struct {
	TaskID   uint64
	QuorumID uint64
	Callback string
	Args     []string
	Result   string
}

// Dispatcher maps callback names to registered hooks and drives the
// clear-then-call finalize sequence.
type Dispatcher struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
	hub       *notify.Hub
	logger    logging.Logger
}

// New creates a dispatcher. hub may be nil when processed notifications
// are not wanted (tests).
func New(hub *notify.Hub, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		callbacks: make(map[string]Callback),
		hub:       hub,
		logger:    logging.OrNop(logger),
	}
}

// Register binds a callback name. Re-registering a name replaces the
// previous hook.
func (d *Dispatcher) Register(name string, cb Callback) error {
	if name == "" {
		return fmt.Errorf("callback name must not be empty")
	}
	if cb == nil {
		return fmt.Errorf("callback %q must not be nil", name)
	}
	d.mu.Lock()
	d.callbacks[name] = cb
	d.mu.Unlock()
	return nil
}

// Registered reports whether a callback name is known.
func (d *Dispatcher) Registered(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.callbacks[name]
	return ok
}

// Finalize runs the finalize transition: clear first, callback second.
//
// clear must remove every piece of aggregator state for the task and
// return a non-nil error if that state was already gone (a lost race with
// another finalize); in that case the callback is not invoked and the
// error is returned, which is how exactly-once is kept. A callback
// failure or panic never unwinds the transition: it is swallowed, logged,
// and reported through the processed notification.
func (d *Dispatcher) Finalize(clear func() error, fin Finalization) error {
	if err := clear(); err != nil {
		d.logger.Debug("dispatch: finalize skipped, clear failed: %v", err)
		return err
	}

	ok := d.invoke(fin)
	if d.hub != nil {
		d.hub.Publish(notify.Event{
			Kind:       notify.KindTaskProcessed,
			TaskID:     fin.TaskID,
			QuorumID:   fin.QuorumID,
			CallbackOK: ok,
		})
	}
	return nil
}

func (d *Dispatcher) invoke(fin Finalization) (ok bool) {
	if fin.Callback == "" {
		return true // fire-and-forget task, nothing to deliver
	}
	d.mu.RLock()
	cb := d.callbacks[fin.Callback]
	d.mu.RUnlock()
	if cb == nil {
		d.logger.Warn("dispatch: no callback registered as %q (task %d)", fin.Callback, fin.TaskID)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: callback %q panicked: %v", fin.Callback, r)
			ok = false
		}
	}()
	cb(fin.Args, fin.Result)
	return true
}
