package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Vars is the variable context a step's templates and conditions are
// evaluated against. It is a generic tree of maps, slices and scalars.
type Vars map[string]any

// StepOutput is a completed step's result, keyed by its position.
type StepOutput struct {
	Order  int
	Output map[string]any
}

// BuildVars assembles the execution-level context for a step run.
//
// The trigger snapshot is exposed both under "trigger" and, for the keys that
// do not collide with reserved names, at the top level. Completed outputs are
// exposed under "steps.<order>" and the most recent one under "previous".
func BuildVars(trigger map[string]any, outputs []StepOutput, meta map[string]any) Vars {
	v := make(Vars, len(trigger)+len(meta)+3)
	snapshot := deepCopyMap(trigger)
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	for k, val := range snapshot {
		v[k] = val
	}

	steps := make(map[string]any, len(outputs))
	var previous map[string]any
	last := -1
	for _, o := range outputs {
		out := deepCopyMap(o.Output)
		steps[strconv.Itoa(o.Order)] = out
		if o.Order > last {
			last = o.Order
			previous = out
		}
	}
	for k, val := range meta {
		v[k] = val
	}
	v["trigger"] = snapshot
	v["steps"] = steps
	if previous != nil {
		v["previous"] = previous
	} else {
		v["previous"] = map[string]any{}
	}
	return v
}

// Lookup walks a dot-separated path through nested maps and slices.
// Numeric segments index into slices. The boolean is false when any
// segment is absent or out of range; a present nil value is found.
func (v Vars) Lookup(path string) (any, bool) {
	return Lookup(map[string]any(v), path)
}

// Lookup walks path from root; see Vars.Lookup.
func Lookup(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if m, ok := root.(map[string]any); ok {
		// Keys containing dots win over traversal.
		if val, ok := m[path]; ok {
			return val, true
		}
	}

	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = val
		case Vars:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Clone returns a deep copy of the context.
func (v Vars) Clone() Vars {
	return Vars(deepCopyMap(map[string]any(v)))
}

// --- Deep copy utilities ---

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Vars:
		return deepCopyMap(map[string]any(val))
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
