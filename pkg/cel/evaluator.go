package cel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Vars are the record fields a filter expression can reference.
type Vars struct {
	Sender    string
	Message   string
	Type      string
	Score     float64
	Reason    string
	Timestamp time.Time
	MessageID string
}

func (v Vars) activation() map[string]interface{} {
	return map[string]interface{}{
		"sender":     v.Sender,
		"message":    v.Message,
		"type":       v.Type,
		"score":      v.Score,
		"reason":     v.Reason,
		"timestamp":  v.Timestamp,
		"message_id": v.MessageID,
	}
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("message_id", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileFilter(expression)
	return err
}

// Filter is a compiled boolean expression, safe for concurrent use.
type Filter struct {
	expression string
	program    cel.Program
}

func (f *Filter) Expression() string {
	return f.expression
}

// CompileFilter parses and type-checks expression, which must yield bool.
func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compileFilter(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{expression: expression, program: program}, nil
}

func (e *Evaluator) compileFilter(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return ast, nil
}

func (f *Filter) Match(ctx context.Context, vars Vars) (bool, error) {
	result, _, err := f.program.ContextEval(ctx, vars.activation())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateFilter compiles and runs expression once.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, vars Vars) (bool, error) {
	f, err := e.CompileFilter(expression)
	if err != nil {
		return false, err
	}
	return f.Match(ctx, vars)
}
