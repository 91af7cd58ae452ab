package gdwhisper

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// CELEnv provides a CEL environment for evaluating expressions against a
// [RemoteResource]. Variables: id, name, mimeType, size, modifiedTime.
//
//	name.endsWith(".srt") && size > 0
type CELEnv struct {
	env *cel.Env
}

// NewCELEnv creates a new CEL environment.
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("mimeType", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("modifiedTime", cel.StringType),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEnv{env: env}, nil
}

// CompiledExpression represents a compiled CEL expression returning bool.
type CompiledExpression struct {
	raw     string
	program cel.Program
}

// Compile compiles a CEL expression string.
func (e *CELEnv) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CompiledExpression{raw: expr, program: prg}, nil
}

// String returns the source expression.
func (c *CompiledExpression) String() string {
	return c.raw
}

// Match evaluates the expression against r.
func (c *CompiledExpression) Match(r *RemoteResource) (bool, error) {
	if r == nil {
		return false, nil
	}
	vars := map[string]any{
		"id":           r.ID,
		"name":         r.Name,
		"mimeType":     r.MimeType,
		"size":         r.Size,
		"modifiedTime": r.ModifiedTime,
	}
	result, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}
