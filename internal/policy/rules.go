package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// RuleInput is the data an extra gatekeeper rule is evaluated against.
// List values are lower-cased descriptions in annotation order.
type RuleInput struct {
	Score          int
	Threshold      int
	Width          int
	Height         int
	ColorMode      string
	Confidence     float64
	IsSellable     bool
	HasBrandLogos  bool
	HasProductText bool
	Labels         []string
	Logos          []string
	Objects        []string
}

// CompiledRule is a Rule with its CEL program prepared.
type CompiledRule struct {
	Rule
	program cel.Program
}

var ruleEnv = mustRuleEnv()

func mustRuleEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.IntType),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("width", cel.IntType),
		cel.Variable("height", cel.IntType),
		cel.Variable("color_mode", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("is_sellable", cel.BoolType),
		cel.Variable("has_brand_logos", cel.BoolType),
		cel.Variable("has_product_text", cel.BoolType),
		cel.Variable("labels", cel.ListType(cel.StringType)),
		cel.Variable("logos", cel.ListType(cel.StringType)),
		cel.Variable("objects", cel.ListType(cel.StringType)),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create rule environment: %v", err))
	}
	return env
}

// CompileRule type-checks a rule expression. The expression must be boolean.
func CompileRule(r Rule) (*CompiledRule, error) {
	if r.Expression == "" {
		return nil, fmt.Errorf("rule %q: expression is required", r.Name)
	}

	ast, issues := ruleEnv.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %q: failed to compile expression: %w", r.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q: expression must be boolean, got %s", r.Name, ast.OutputType())
	}

	prg, err := ruleEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %q: failed to create program: %w", r.Name, err)
	}

	return &CompiledRule{Rule: r, program: prg}, nil
}

// Eval runs the rule against in.
func (r *CompiledRule) Eval(in RuleInput) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"score":            int64(in.Score),
		"threshold":        int64(in.Threshold),
		"width":            int64(in.Width),
		"height":           int64(in.Height),
		"color_mode":       in.ColorMode,
		"confidence":       in.Confidence,
		"is_sellable":      in.IsSellable,
		"has_brand_logos":  in.HasBrandLogos,
		"has_product_text": in.HasProductText,
		"labels":           nonNil(in.Labels),
		"logos":            nonNil(in.Logos),
		"objects":          nonNil(in.Objects),
	})
	if err != nil {
		return false, fmt.Errorf("rule %q: failed to evaluate: %w", r.Name, err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q: expected bool result, got %T", r.Name, out.Value())
	}
	return passed, nil
}

// FailureReason is the rejection text used when the rule fails.
func (r *CompiledRule) FailureReason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("Rule %s failed", r.Name)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
