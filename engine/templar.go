package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Templar evaluates expressions against a task's variable snapshot. It is
// the external expression evaluator the debugger delegates to for
// breakpoint conditions, REPL evaluation and module argument templating.
// Compiled programs are cached for repeated evaluations.
type Templar struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewTemplar() *Templar {
	return &Templar{
		cache: make(map[string]*vm.Program),
	}
}

// EvalCondition evaluates a breakpoint condition to a boolean.
func (t *Templar) EvalCondition(condition string, vars map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	program, err := t.compile("bool:"+condition, condition, true)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, vars)
	if err != nil {
		return false, err
	}
	value, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition must return a boolean, got %T", result)
	}
	return value, nil
}

// Evaluate evaluates a bare expression, e.g. from the client's REPL.
func (t *Templar) Evaluate(expression string, vars map[string]any) (any, error) {
	program, err := t.compile("any:"+expression, expression, false)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, vars)
}

var templatePattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// TemplateString expands {{ expression }} placeholders in value. A value
// that is exactly one placeholder keeps the expression's native type,
// anything else is substituted textually.
func (t *Templar) TemplateString(value string, vars map[string]any) (any, error) {
	trimmed := strings.TrimSpace(value)
	if match := templatePattern.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
		return t.Evaluate(strings.TrimSpace(match[1]), vars)
	}

	var evalErr error
	templated := templatePattern.ReplaceAllStringFunc(value, func(placeholder string) string {
		expression := strings.TrimSpace(placeholder[2 : len(placeholder)-2])
		result, err := t.Evaluate(expression, vars)
		if err != nil {
			evalErr = err
			return placeholder
		}
		return fmt.Sprintf("%v", result)
	})
	if evalErr != nil {
		return value, evalErr
	}
	return templated, nil
}

// TemplateArgs expands the string values of a module argument map one level
// deep. Expansion is best effort: a value that fails to template keeps its
// original text.
func (t *Templar) TemplateArgs(args map[string]any, vars map[string]any) map[string]any {
	templated := make(map[string]any, len(args))
	for name, value := range args {
		templated[name] = t.templateValue(value, vars)
	}
	return templated
}

func (t *Templar) templateValue(value any, vars map[string]any) any {
	switch typed := value.(type) {
	case string:
		result, err := t.TemplateString(typed, vars)
		if err != nil {
			return typed
		}
		return result
	case map[string]any:
		return t.TemplateArgs(typed, vars)
	case []any:
		templated := make([]any, len(typed))
		for i, item := range typed {
			templated[i] = t.templateValue(item, vars)
		}
		return templated
	default:
		return value
	}
}

func (t *Templar) compile(key, expression string, asBool bool) (*vm.Program, error) {
	t.mu.RLock()
	program, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return program, nil
	}

	options := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	}
	if asBool {
		options = append(options, expr.AsBool())
	}
	program, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[key] = program
	t.mu.Unlock()
	return program, nil
}

// parseScalar interprets client provided text as a YAML scalar so numbers
// and booleans keep their native type when written back into variables.
func parseScalar(raw string) any {
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	return value
}
