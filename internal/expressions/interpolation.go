package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recoilhq/recoil/pkg/schema"
)

// Scope holds all data available for {{...}} resolution: completed step
// outputs keyed by step name, and the workflow's submitted inputs under the
// reserved "inputs" namespace. During compensation, Step carries the recorded
// state of the step being compensated under the reserved "step" namespace, so
// a compensation template can reference {{step.inputs.path}} or
// {{step.outputs.id}} without knowing the step's name.
type Scope struct {
	Steps  map[string]any // step name -> output (unmarshalled)
	Inputs map[string]any // workflow input params
	Step   map[string]any // compensated step record: "name", "inputs", "outputs"
}

// Interpolator resolves {{...}} references in step input templates.
// A reference is {{<step_name>.<field>[.<subfield>...]}} or
// {{inputs.<name>}}. Any unresolvable reference is a hard error: a step
// never runs with a silently missing input.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve scans raw JSON for {{...}} tokens and replaces each with its
// resolved value. Returns the interpolated JSON bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2 // skip "{{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: {{  }}")
		}
		if strings.Contains(expr, "{{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}"
	}

	return json.RawMessage(result.String()), nil
}

// resolveExpr resolves a single reference like "fetch.url" or "inputs.name".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	head := parts[0]

	if head == "inputs" {
		if len(parts) < 2 || parts[1] == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid input reference %q: expected inputs.<name>", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		if scope.Inputs == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot resolve %q: no workflow inputs provided", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		// Direct key lookup first so input names containing dots work.
		if val, ok := scope.Inputs[parts[1]]; ok {
			return val, nil
		}
		return traversePath(scope.Inputs, parts[1], expr)
	}

	// The "step" namespace is only populated while resolving a
	// compensation template; it shadows a step of that name there.
	if head == "step" && scope.Step != nil {
		if len(parts) == 1 {
			return scope.Step, nil
		}
		return traversePath(scope.Step, parts[1], expr)
	}

	// Anything else is a step reference: <step_name>[.<field>...].
	output, ok := scope.Steps[head]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in {{%s}}; available steps: [%s]", head, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}
	if len(parts) == 1 {
		return output, nil
	}
	return traversePath(output, parts[1], expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded as-is so references inside larger strings compose;
// complex types are JSON-encoded inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any {{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "{{")
}
