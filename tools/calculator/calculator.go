// Package calculator provides a small arithmetic tool, mostly useful for
// exercising the runtime in examples and tests.
package calculator

import (
	"context"
	"fmt"
	"strconv"

	aworld "github.com/nevindra/aworld"
)

// Tool exposes add, sub, mul, and div. All actions are idempotent and
// parallel safe.
type Tool struct{}

// New creates the calculator tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Decl() aworld.ToolDecl {
	params := map[string]aworld.ParamDecl{
		"a": {Type: aworld.ParamFloat, Desc: "left operand", Required: true},
		"b": {Type: aworld.ParamFloat, Desc: "right operand", Required: true},
	}
	action := func(name, desc string) aworld.ActionDecl {
		return aworld.ActionDecl{
			Name:         name,
			Desc:         desc,
			Params:       params,
			Idempotent:   true,
			ParallelSafe: true,
		}
	}
	return aworld.ToolDecl{
		Name: "calculator",
		Desc: "Basic arithmetic over two operands.",
		Kind: aworld.KindInproc,
		Actions: []aworld.ActionDecl{
			action("add", "Add a and b."),
			action("sub", "Subtract b from a."),
			action("mul", "Multiply a and b."),
			action("div", "Divide a by b."),
		},
	}
}

func (t *Tool) Exec(ctx context.Context, action string, params map[string]any) (aworld.ActionResult, error) {
	a, err := operand(params, "a")
	if err != nil {
		return aworld.ActionResult{}, err
	}
	b, err := operand(params, "b")
	if err != nil {
		return aworld.ActionResult{}, err
	}

	var out float64
	switch action {
	case "add":
		out = a + b
	case "sub":
		out = a - b
	case "mul":
		out = a * b
	case "div":
		if b == 0 {
			return aworld.ActionResult{}, aworld.NewError(aworld.ErrToolFailed, "division by zero")
		}
		out = a / b
	default:
		return aworld.ActionResult{}, aworld.NewError(aworld.ErrToolFailed, "unknown action %q", action)
	}

	return aworld.ActionResult{
		Content: strconv.FormatFloat(out, 'f', -1, 64),
		Payload: map[string]any{"value": out},
	}, nil
}

func operand(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, aworld.NewError(aworld.ErrSchema, "param %q: expected number, got %v", key, fmt.Sprintf("%T", v))
	}
}

var _ aworld.Tool = (*Tool)(nil)
