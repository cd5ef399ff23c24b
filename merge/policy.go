package merge

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// PolicyInput is the evaluation context for a merge policy expression.
type PolicyInput struct {
	Domain     string
	Similarity float64
	Structural float64
	Combined   float64
}

// Policy is a compiled CEL guard. When configured, a candidate that
// clears the numeric thresholds must also satisfy the policy before a
// merge applies. Typical expressions:
//
//	structural > 0.5
//	domain != "safety-critical" || combined > 0.95
type Policy struct {
	program cel.Program
	source  string
}

// CompilePolicy compiles a CEL expression over the variables
// similarity, structural, combined (double) and domain (string). The
// expression must produce a bool.
func CompilePolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("similarity", cel.DoubleType),
		cel.Variable("structural", cel.DoubleType),
		cel.Variable("combined", cel.DoubleType),
		cel.Variable("domain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("merge: policy env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("merge: compile policy %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("merge: policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("merge: program policy %q: %w", expr, err)
	}
	return &Policy{program: prg, source: expr}, nil
}

// Allow evaluates the policy for one candidate.
func (p *Policy) Allow(in PolicyInput) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"similarity": in.Similarity,
		"structural": in.Structural,
		"combined":   in.Combined,
		"domain":     in.Domain,
	})
	if err != nil {
		return false, fmt.Errorf("merge: eval policy %q: %w", p.source, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("merge: policy %q returned %T, want bool", p.source, out.Value())
	}
	return allowed, nil
}
