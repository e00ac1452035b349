// Package expr implements the restricted condition grammar used by workflow
// steps: comparisons and boolean connectives over named data-bag fields.
// Source text is parsed with the expr-lang parser, the resulting AST is
// checked against a closed set of node kinds, and the survivors are
// interpreted here; nothing is compiled or executed as host code.
package expr

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/spawner/orchestrator/internal/domain"
)

// Expr is a parsed, whitelisted condition.
type Expr struct {
	src  string
	root ast.Node
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Parse compiles src. Empty input is rejected; callers treat a missing
// condition as "always run" before calling Parse.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, domain.NewEngineError(domain.ErrConditionSyntax.Code, "empty condition")
	}
	tree, err := parser.Parse(normalizeEquals(src))
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrConditionSyntax.Code, domain.ErrConditionSyntax.Message, err)
	}
	w := &whitelist{}
	ast.Walk(&tree.Node, w)
	if w.err != nil {
		return nil, domain.WrapEngineError(domain.ErrConditionSyntax.Code, domain.ErrConditionSyntax.Message, w.err)
	}
	return &Expr{src: src, root: tree.Node}, nil
}

var unaryOps = map[string]bool{"!": true, "not": true, "-": true}

var binaryOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"&&": true, "||": true, "and": true, "or": true,
}

// whitelist records the first node outside the condition grammar.
type whitelist struct {
	err error
}

func (w *whitelist) Visit(node *ast.Node) {
	if w.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode, *ast.StringNode, *ast.IdentifierNode:
	case *ast.UnaryNode:
		if !unaryOps[n.Operator] {
			w.err = fmt.Errorf("operator %q is not allowed", n.Operator)
			return
		}
		if n.Operator == "-" {
			switch n.Node.(type) {
			case *ast.IntegerNode, *ast.FloatNode:
			default:
				w.err = fmt.Errorf("negation applies to number literals only")
			}
		}
	case *ast.BinaryNode:
		if !binaryOps[n.Operator] {
			w.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.MemberNode:
		if _, ok := fieldPath(n); !ok || n.Optional || n.Method {
			w.err = fmt.Errorf("only dotted field names are allowed, got %s", n.String())
		}
	case *ast.CallNode, *ast.BuiltinNode:
		w.err = fmt.Errorf("function calls are not allowed")
	default:
		w.err = fmt.Errorf("%s is not allowed in a condition", n.String())
	}
}

// fieldPath flattens a.b["c"] into "a.b.c".
func fieldPath(n ast.Node) (string, bool) {
	switch t := n.(type) {
	case *ast.IdentifierNode:
		return t.Value, true
	case *ast.MemberNode:
		prop, ok := t.Property.(*ast.StringNode)
		if !ok {
			return "", false
		}
		base, ok := fieldPath(t.Node)
		if !ok {
			return "", false
		}
		return base + "." + prop.Value, true
	}
	return "", false
}

// normalizeEquals rewrites a lone '=' outside string literals as '=='.
func normalizeEquals(src string) string {
	rs := []rune(src)
	var sb strings.Builder
	var quote rune
	escaped := false
	for i, r := range rs {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if r == '\\' && quote != '`' {
				escaped = true
			} else if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '=':
			prevOp := i > 0 && strings.ContainsRune("=!<>", rs[i-1])
			nextEq := i+1 < len(rs) && rs[i+1] == '='
			if !prevOp && !nextEq {
				sb.WriteString("==")
				continue
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
