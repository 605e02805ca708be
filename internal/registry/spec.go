package registry

import (
	"encoding/json"
	"fmt"
	"math"

	acerrors "accord/internal/errors"
)

// TaskSpec is the validated form of the loosely-typed creation payload.
type TaskSpec struct {
	ConfigRef  string
	Inputs     map[string]string
	Model      string
	Redundancy uint32
	Flags      Flags
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindStringMap
	kindInt
	kindBool
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindStringMap:
		return "map of string to string"
	case kindInt:
		return "integer"
	case kindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

type fieldSpec struct {
	kind     fieldKind
	required bool
}

// taskSchema is the declarative field schema evaluated once per creation
// call. Unknown or mistyped fields fail the whole call; nothing partial is
// ever stored.
var taskSchema = map[string]fieldSpec{
	"config":                           {kind: kindString, required: true},
	"input":                            {kind: kindStringMap, required: true},
	"model":                            {kind: kindString},
	"redundancy":                       {kind: kindInt},
	"return_content_within_result_tag": {kind: kindBool},
	"store_result_offchain":            {kind: kindBool},
}

// ParseTaskSpec validates raw against the task schema and returns the
// typed spec. Redundancy defaults to 1 when absent.
func ParseTaskSpec(raw map[string]any) (TaskSpec, error) {
	spec := TaskSpec{Redundancy: 1}

	for name := range raw {
		if _, ok := taskSchema[name]; !ok {
			return TaskSpec{}, &acerrors.ValidationError{Field: name, Reason: "unknown field"}
		}
	}

	for name, fs := range taskSchema {
		value, present := raw[name]
		if !present || value == nil {
			if fs.required {
				return TaskSpec{}, &acerrors.ValidationError{Field: name, Reason: "required field missing"}
			}
			continue
		}
		if err := applyField(&spec, name, fs, value); err != nil {
			return TaskSpec{}, err
		}
	}

	if spec.ConfigRef == "" {
		return TaskSpec{}, &acerrors.ValidationError{Field: "config", Reason: "must not be empty"}
	}
	return spec, nil
}

func applyField(spec *TaskSpec, name string, fs fieldSpec, value any) error {
	mistyped := func() error {
		return &acerrors.ValidationError{
			Field:  name,
			Reason: fmt.Sprintf("expected %s, got %T", fs.kind, value),
		}
	}

	switch fs.kind {
	case kindString:
		s, ok := value.(string)
		if !ok {
			return mistyped()
		}
		switch name {
		case "config":
			spec.ConfigRef = s
		case "model":
			spec.Model = s
		}

	case kindStringMap:
		m, err := coerceStringMap(value)
		if err != nil {
			return &acerrors.ValidationError{Field: name, Reason: err.Error()}
		}
		spec.Inputs = m

	case kindInt:
		n, ok := coerceInt(value)
		if !ok {
			return mistyped()
		}
		if n < 1 {
			return &acerrors.ValidationError{Field: name, Reason: "must be at least 1"}
		}
		if n > math.MaxUint32 {
			return &acerrors.ValidationError{Field: name, Reason: "out of range"}
		}
		spec.Redundancy = uint32(n)

	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return mistyped()
		}
		switch name {
		case "return_content_within_result_tag":
			spec.Flags.ExtractTag = b
		case "store_result_offchain":
			spec.Flags.StoreOffchain = b
		}
	}
	return nil
}

// coerceStringMap accepts both map[string]string and the map[string]any
// shape JSON decoding produces.
func coerceStringMap(value any) (map[string]string, error) {
	switch m := value.(type) {
	case map[string]string:
		return cloneStringMap(m), nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("value for key %q must be a string, got %T", k, v)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected map of string to string, got %T", value)
	}
}

// coerceInt accepts the integer shapes JSON decoding and Go callers
// produce. Fractional floats are rejected.
func coerceInt(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
