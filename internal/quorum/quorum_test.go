package quorum

import (
	"math/big"
	"testing"

	"accord/internal/dispatch"
	acerrors "accord/internal/errors"
	"accord/internal/notify"
	"accord/internal/pricing"
	"accord/internal/registry"
)

func newFixture(t *testing.T, workers int) (*Aggregator, *registry.Registry, *dispatch.Dispatcher, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub(nil)
	d := dispatch.New(hub, nil)
	table := pricing.NewTable(big.NewInt(10), map[string]*big.Int{
		"model-a": big.NewInt(5),
	})
	reg := registry.New(table, d, hub, nil)
	for i := 0; i < workers; i++ {
		if err := reg.AddWorker("w" + string(rune('0'+i))); err != nil {
			t.Fatalf("AddWorker: %v", err)
		}
	}
	agg, err := New(reg, d, hub, "quorum-svc", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return agg, reg, d, hub
}

func params(variants ...string) Params {
	return Params{
		Origin:       "end-user",
		Payment:      big.NewInt(1000),
		ConfigRef:    "cfg-ref",
		Inputs:       map[string]string{"q": "6*7?"},
		Variants:     variants,
		CallbackName: "on-quorum",
		CallbackArgs: []string{"run-9"},
	}
}

func TestCreateDefaultsThreshold(t *testing.T) {
	agg, _, _, _ := newFixture(t, 1)
	id, err := agg.Create(params("m1", "m2", "m3", "m4"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, err := agg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Threshold != 3 { // floor(4/2)+1
		t.Fatalf("Threshold = %d, want 3", task.Threshold)
	}
	if task.VariantCount != 4 {
		t.Fatalf("VariantCount = %d", task.VariantCount)
	}
}

func TestCreateValidation(t *testing.T) {
	agg, _, _, _ := newFixture(t, 1)

	p := params()
	if _, err := agg.Create(p); !acerrors.IsValidation(err) {
		t.Fatalf("no variants: got %v", err)
	}

	p = params("m1", "m2")
	p.Threshold = 3
	if _, err := agg.Create(p); !acerrors.IsValidation(err) {
		t.Fatalf("threshold > variants: got %v", err)
	}
}

func TestCreateDispatchesSubTaskPerVariant(t *testing.T) {
	agg, reg, _, _ := newFixture(t, 2)
	p := params("model-a", "model-b", "model-c")
	p.Redundancy = 2
	id, err := agg.Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Sub-task ids 1..3 exist, each carrying the collect callback bound
	// to the quorum id.
	for subID := uint64(1); subID <= 3; subID++ {
		task, err := reg.GetTask(subID)
		if err != nil {
			t.Fatalf("GetTask(%d): %v", subID, err)
		}
		if task.CallbackName != CollectCallbackName {
			t.Errorf("sub-task %d callback = %q", subID, task.CallbackName)
		}
		if len(task.CallbackArgs) != 1 || task.CallbackArgs[0] != "1" {
			t.Errorf("sub-task %d bound args = %v", subID, task.CallbackArgs)
		}
		if task.Redundancy != 2 {
			t.Errorf("sub-task %d redundancy = %d", subID, task.Redundancy)
		}
	}
	if _, err := reg.GetTask(4); !acerrors.IsNotFound(err) {
		t.Fatalf("expected exactly 3 sub-tasks")
	}
	_ = id
}

func TestPaymentCheckedAfterDispatch(t *testing.T) {
	agg, reg, _, _ := newFixture(t, 1)
	p := params("model-a", "model-b") // 5 + 10 = 15
	p.Payment = big.NewInt(14)
	if _, err := agg.Create(p); !acerrors.IsInsufficientPayment(err) {
		t.Fatalf("expected InsufficientPaymentError, got %v", err)
	}
	// The quirk: sub-tasks were dispatched before the check and stay.
	if _, err := reg.GetTask(1); err != nil {
		t.Fatalf("sub-task 1 should exist: %v", err)
	}
	if _, err := reg.GetTask(2); err != nil {
		t.Fatalf("sub-task 2 should exist: %v", err)
	}
}

func TestThresholdMinusOneDoesNotFinalize(t *testing.T) {
	agg, _, d, _ := newFixture(t, 1)
	fired := 0
	_ = d.Register("on-quorum", func([]string, string) { fired++ })

	p := params("m1", "m2", "m3")
	p.Threshold = 2
	id, err := agg.Create(p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	agg.collect(id, "X")
	if fired != 0 {
		t.Fatal("threshold-1 matching results must not finalize")
	}
	agg.collect(id, "X")
	if fired != 1 {
		t.Fatalf("threshold-th matching result must finalize; fired=%d", fired)
	}
	if _, err := agg.Get(id); !acerrors.IsNotFound(err) {
		t.Fatalf("quorum task must be cleared, got %v", err)
	}
}

func TestCollectScenarioFourVariants(t *testing.T) {
	// 4 variants, default threshold 3; sub-results X, Y, X, X. The
	// third matching X finalizes; anything delivered afterwards is a
	// silent no-op.
	agg, _, d, hub := newFixture(t, 1)
	sub := hub.Subscribe(16)
	defer sub.Close()

	var results []string
	_ = d.Register("on-quorum", func(args []string, result string) {
		results = append(results, result)
	})

	id, err := agg.Create(params("m1", "m2", "m3", "m4"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	agg.collect(id, "X")
	agg.collect(id, "Y")
	if got, _ := agg.Results(id); len(got) != 2 {
		t.Fatalf("Results = %v", got)
	}
	agg.collect(id, "X") // 2 matching, threshold 3: stored
	if len(results) != 0 {
		t.Fatal("must not finalize at 2 matching")
	}
	agg.collect(id, "X") // 3 matching: finalize
	if len(results) != 1 || results[0] != "X" {
		t.Fatalf("results = %v, want [X]", results)
	}

	// Duplicate/late delivery after finalize: silent no-op.
	agg.collect(id, "X")
	if len(results) != 1 {
		t.Fatalf("callback fired %d times, want exactly once", len(results))
	}
	if _, err := agg.Results(id); !acerrors.IsNotFound(err) {
		t.Fatalf("Results after finalize = %v, want not-found", err)
	}

	// Events: quorum created, then quorum reached.
	var kinds []notify.Kind
	for len(kinds) < 2 {
		ev := <-sub.C
		if ev.Kind == notify.KindQuorumCreated || ev.Kind == notify.KindQuorumReached {
			kinds = append(kinds, ev.Kind)
		}
	}
	if kinds[0] != notify.KindQuorumCreated || kinds[1] != notify.KindQuorumReached {
		t.Fatalf("event kinds = %v", kinds)
	}
}

func TestEndToEndSubTaskFinalizationFeedsQuorum(t *testing.T) {
	// Workers submit to the sub-tasks through the registry; sub-task
	// finalizations route into the quorum aggregator via the dispatcher.
	agg, reg, d, _ := newFixture(t, 1)

	var final []string
	_ = d.Register("on-quorum", func(args []string, result string) {
		final = append(final, result)
		if len(args) != 1 || args[0] != "run-9" {
			t.Errorf("callback args = %v", args)
		}
	})

	p := params("m1", "m2", "m3")
	p.Threshold = 2
	if _, err := agg.Create(p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Redundancy defaults to 1: a single submission finalizes each
	// sub-task and delivers its result to the quorum aggregator.
	if err := reg.Submit(1, "w0", "42"); err != nil {
		t.Fatalf("Submit sub-task 1: %v", err)
	}
	if len(final) != 0 {
		t.Fatal("one sub-result must not reach quorum")
	}
	if err := reg.Submit(2, "w0", "42"); err != nil {
		t.Fatalf("Submit sub-task 2: %v", err)
	}
	if len(final) != 1 || final[0] != "42" {
		t.Fatalf("final = %v, want [42]", final)
	}

	// The third sub-task is still live; its late result is dropped.
	if err := reg.Submit(3, "w0", "43"); err != nil {
		t.Fatalf("Submit sub-task 3: %v", err)
	}
	if len(final) != 1 {
		t.Fatalf("quorum callback fired %d times", len(final))
	}
}
