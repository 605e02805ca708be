package registry

import "math/big"

// Flags are the optional per-task behaviors a requester can enable.
type Flags struct {
	// ExtractTag makes workers submit only the text between the first
	// <result> and the next </result> of the provider output.
	ExtractTag bool
	// StoreOffchain makes workers store the extracted result in the
	// content store and submit its hash instead of the raw value.
	StoreOffchain bool
}

// Task is a single unit of work redeemable for one agreed result. It is
// owned by the registry and cleared exactly once, atomically with
// finalization, before the requester callback fires.
type Task struct {
	ID           uint64
	Requester    string
	Payment      *big.Int
	VariantKey   string
	ConfigRef    string
	Inputs       map[string]string
	CallbackName string
	CallbackArgs []string
	Redundancy   uint32
	Flags        Flags
}

// Submission is one worker's result for a task. SlotIndex is 1-based and
// equals the count of submissions present when it was appended, plus one.
type Submission struct {
	SlotIndex int
	Worker    string
	Result    string
}

// Status is the answer to a worker's liveness check before and after it
// does the expensive work.
type Status int

const (
	// StatusNotFound: the task does not exist, or already finalized.
	StatusNotFound Status = iota
	// StatusOK: a slot is open and this worker has not submitted yet.
	StatusOK
	// StatusAlreadySubmitted: this worker already holds a slot.
	StatusAlreadySubmitted
	// StatusNoConsensus: every slot is filled and no value reached the
	// redundancy threshold. Terminal; no retry path exists.
	StatusNoConsensus
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not-found"
	case StatusOK:
		return "ok"
	case StatusAlreadySubmitted:
		return "already-submitted"
	case StatusNoConsensus:
		return "no-consensus"
	default:
		return "unknown"
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// clone returns a copy safe to hand to callers: maps and slices are not
// shared with registry state.
func (t Task) clone() Task {
	out := t
	out.Inputs = cloneStringMap(t.Inputs)
	out.CallbackArgs = cloneStrings(t.CallbackArgs)
	if t.Payment != nil {
		out.Payment = new(big.Int).Set(t.Payment)
	}
	return out
}
