package capability

import (
	"context"
	"encoding/json"

	"github.com/recoilhq/recoil/internal/expressions"
	"github.com/recoilhq/recoil/pkg/schema"
)

// TransformCapabilities returns the pure data-transform capabilities. They
// have no side effects, so there is nothing to undo.
func TransformCapabilities() []Capability {
	return []Capability{
		&transformJQCap{engine: expressions.NewGoJQEngine()},
		&transformExprCap{engine: expressions.NewExprEngine()},
	}
}

const transformJQInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {}
  },
  "required": ["expression"]
}`

const transformExprInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {}
  },
  "required": ["expression"]
}`

// --- transform.jq ---

type transformJQCap struct {
	engine *expressions.GoJQEngine
}

func (c *transformJQCap) Name() string { return "transform.jq" }

func (c *transformJQCap) Spec() Spec {
	return Spec{
		Description: "Evaluate a jq expression against JSON data",
		InputSchema: json.RawMessage(transformJQInputSchema),
		SideEffects: schema.SideEffectNone,
		RiskLevel:   schema.RiskLow,
		Reversible:  false,
	}
}

func (c *transformJQCap) Execute(ctx context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	expression := stringParam(params, "expression", "")
	scope := map[string]any{}
	if data, ok := params["data"].(map[string]any); ok {
		scope = data
	}

	result, err := c.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	return marshalResult(map[string]any{
		"result": result,
	}, nil)
}

// --- transform.expr ---

type transformExprCap struct {
	engine *expressions.ExprEngine
}

func (c *transformExprCap) Name() string { return "transform.expr" }

func (c *transformExprCap) Spec() Spec {
	return Spec{
		Description: "Evaluate an Expr expression against a data scope",
		InputSchema: json.RawMessage(transformExprInputSchema),
		SideEffects: schema.SideEffectNone,
		RiskLevel:   schema.RiskLow,
		Reversible:  false,
	}
}

func (c *transformExprCap) Execute(ctx context.Context, input Input) (*Result, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	expression := stringParam(params, "expression", "")
	scope := map[string]any{}
	if data, ok := params["data"].(map[string]any); ok {
		scope = data
	}

	result, err := c.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	return marshalResult(map[string]any{
		"result": result,
	}, nil)
}
