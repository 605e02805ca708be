package registry

import (
	"testing"

	acerrors "accord/internal/errors"
)

func validRawSpec() map[string]any {
	return map[string]any{
		"config": "cfg-ref",
		"input":  map[string]string{"question": "What is 6*7?"},
	}
}

func TestParseTaskSpecDefaults(t *testing.T) {
	spec, err := ParseTaskSpec(validRawSpec())
	if err != nil {
		t.Fatalf("ParseTaskSpec: %v", err)
	}
	if spec.ConfigRef != "cfg-ref" {
		t.Errorf("ConfigRef = %q", spec.ConfigRef)
	}
	if spec.Redundancy != 1 {
		t.Errorf("Redundancy default = %d, want 1", spec.Redundancy)
	}
	if spec.Model != "" || spec.Flags.ExtractTag || spec.Flags.StoreOffchain {
		t.Errorf("optional fields must default to zero: %+v", spec)
	}
}

func TestParseTaskSpecFull(t *testing.T) {
	raw := map[string]any{
		"config":                           "cfg-ref",
		"input":                            map[string]any{"doc": "abc"},
		"model":                            "openai/gpt-4o",
		"redundancy":                       float64(3), // JSON number shape
		"return_content_within_result_tag": true,
		"store_result_offchain":            true,
	}
	spec, err := ParseTaskSpec(raw)
	if err != nil {
		t.Fatalf("ParseTaskSpec: %v", err)
	}
	if spec.Model != "openai/gpt-4o" || spec.Redundancy != 3 {
		t.Errorf("spec = %+v", spec)
	}
	if !spec.Flags.ExtractTag || !spec.Flags.StoreOffchain {
		t.Errorf("flags = %+v", spec.Flags)
	}
	if spec.Inputs["doc"] != "abc" {
		t.Errorf("inputs = %v", spec.Inputs)
	}
}

func TestParseTaskSpecRejects(t *testing.T) {
	cases := map[string]map[string]any{
		"missing config": {"input": map[string]string{}},
		"missing input":  {"config": "c"},
		"empty config":   {"config": "", "input": map[string]string{}},
		"unknown field": {
			"config": "c", "input": map[string]string{}, "surprise": 1,
		},
		"mistyped config": {"config": 7, "input": map[string]string{}},
		"mistyped input":  {"config": "c", "input": "not-a-map"},
		"non-string input value": {
			"config": "c", "input": map[string]any{"k": 1},
		},
		"zero redundancy": {
			"config": "c", "input": map[string]string{}, "redundancy": 0,
		},
		"fractional redundancy": {
			"config": "c", "input": map[string]string{}, "redundancy": 1.5,
		},
		"mistyped flag": {
			"config": "c", "input": map[string]string{},
			"return_content_within_result_tag": "yes",
		},
	}
	for name, raw := range cases {
		if _, err := ParseTaskSpec(raw); err == nil {
			t.Errorf("%s: expected validation error", name)
		} else if !acerrors.IsValidation(err) {
			t.Errorf("%s: got %T, want ValidationError", name, err)
		}
	}
}
