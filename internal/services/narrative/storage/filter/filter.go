// Package filter parses AIP-160 turn-history filters into SQL conditions.
package filter

import (
	"fmt"
	"strings"
	"time"

	"go.einride.tech/aip/filtering"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// TurnDeclarations returns the identifiers a turn filter may reference.
func TurnDeclarations() (*filtering.Declarations, error) {
	return filtering.NewDeclarations(
		filtering.DeclareStandardFunctions(),
		filtering.DeclareIdent("seq", filtering.TypeInt),
		filtering.DeclareIdent("session_id", filtering.TypeString),
		filtering.DeclareIdent("path", filtering.TypeString),
		filtering.DeclareIdent("intent", filtering.TypeString),
		filtering.DeclareIdent("result", filtering.TypeString),
		filtering.DeclareIdent("changed", filtering.TypeBool),
		filtering.DeclareIdent("create_time", filtering.TypeTimestamp),
	)
}

// SQLCondition is a WHERE clause fragment and its positional parameters.
type SQLCondition struct {
	Clause string
	Params []any
}

// columns maps filter identifiers to turns table columns.
var columns = map[string]string{
	"seq":         "seq",
	"session_id":  "session_id",
	"path":        "path",
	"intent":      "intent_category",
	"result":      "outcome_result",
	"changed":     "(change_count > 0)",
	"create_time": "created_at",
}

// Parse translates a filter expression. An empty filter yields an empty
// condition.
func Parse(filterStr string) (SQLCondition, error) {
	if strings.TrimSpace(filterStr) == "" {
		return SQLCondition{}, nil
	}
	decls, err := TurnDeclarations()
	if err != nil {
		return SQLCondition{}, fmt.Errorf("create declarations: %w", err)
	}
	parsed, err := filtering.ParseFilterString(filterStr, decls)
	if err != nil {
		return SQLCondition{}, fmt.Errorf("parse filter: %w", err)
	}
	return translate(parsed.CheckedExpr.GetExpr())
}

func translate(e *expr.Expr) (SQLCondition, error) {
	if e == nil {
		return SQLCondition{}, nil
	}
	switch kind := e.ExprKind.(type) {
	case *expr.Expr_CallExpr:
		return translateCall(kind.CallExpr)
	case *expr.Expr_IdentExpr:
		// A bare boolean identifier such as `changed`.
		if kind.IdentExpr.Name == "changed" {
			return SQLCondition{Clause: columns["changed"]}, nil
		}
		return SQLCondition{}, fmt.Errorf("identifier %s is not a condition", kind.IdentExpr.Name)
	default:
		return SQLCondition{}, fmt.Errorf("unsupported expression type: %T", kind)
	}
}

var comparisons = map[string]string{
	filtering.FunctionEquals:        "=",
	filtering.FunctionNotEquals:     "!=",
	filtering.FunctionLessThan:      "<",
	filtering.FunctionLessEquals:    "<=",
	filtering.FunctionGreaterThan:   ">",
	filtering.FunctionGreaterEquals: ">=",
}

func translateCall(call *expr.Expr_Call) (SQLCondition, error) {
	switch call.Function {
	case filtering.FunctionAnd, filtering.FunctionFuzzyAnd:
		return join(call.Args, "AND")
	case filtering.FunctionOr:
		return join(call.Args, "OR")
	case filtering.FunctionNot:
		if len(call.Args) != 1 {
			return SQLCondition{}, fmt.Errorf("NOT requires 1 argument")
		}
		inner, err := translate(call.Args[0])
		if err != nil {
			return SQLCondition{}, err
		}
		return SQLCondition{Clause: "NOT (" + inner.Clause + ")", Params: inner.Params}, nil
	}
	if op, ok := comparisons[call.Function]; ok {
		return compare(call.Args, op)
	}
	return SQLCondition{}, fmt.Errorf("unsupported function: %s", call.Function)
}

func join(args []*expr.Expr, keyword string) (SQLCondition, error) {
	if len(args) != 2 {
		return SQLCondition{}, fmt.Errorf("%s requires 2 arguments", keyword)
	}
	left, err := translate(args[0])
	if err != nil {
		return SQLCondition{}, err
	}
	right, err := translate(args[1])
	if err != nil {
		return SQLCondition{}, err
	}
	return SQLCondition{
		Clause: fmt.Sprintf("(%s %s %s)", left.Clause, keyword, right.Clause),
		Params: append(left.Params, right.Params...),
	}, nil
}

func compare(args []*expr.Expr, op string) (SQLCondition, error) {
	if len(args) != 2 {
		return SQLCondition{}, fmt.Errorf("comparison requires 2 arguments")
	}
	ident := args[0].GetIdentExpr()
	if ident == nil {
		return SQLCondition{}, fmt.Errorf("expected identifier, got %T", args[0].GetExprKind())
	}
	column, ok := columns[ident.Name]
	if !ok {
		return SQLCondition{}, fmt.Errorf("unknown field: %s", ident.Name)
	}
	value, err := literal(args[1])
	if err != nil {
		return SQLCondition{}, err
	}
	return SQLCondition{
		Clause: fmt.Sprintf("%s %s ?", column, op),
		Params: []any{value},
	}, nil
}

func literal(e *expr.Expr) (any, error) {
	switch kind := e.GetExprKind().(type) {
	case *expr.Expr_ConstExpr:
		switch c := kind.ConstExpr.GetConstantKind().(type) {
		case *expr.Constant_StringValue:
			return c.StringValue, nil
		case *expr.Constant_Int64Value:
			return c.Int64Value, nil
		case *expr.Constant_Uint64Value:
			return c.Uint64Value, nil
		case *expr.Constant_DoubleValue:
			return c.DoubleValue, nil
		case *expr.Constant_BoolValue:
			return c.BoolValue, nil
		default:
			return nil, fmt.Errorf("unsupported constant type: %T", c)
		}
	case *expr.Expr_CallExpr:
		if kind.CallExpr.Function == filtering.FunctionTimestamp && len(kind.CallExpr.Args) == 1 {
			return timestamp(kind.CallExpr.Args[0])
		}
		return nil, fmt.Errorf("unsupported function in value position: %s", kind.CallExpr.Function)
	default:
		return nil, fmt.Errorf("expected constant or timestamp, got %T", kind)
	}
}

// timestamp returns unix milliseconds, matching how created_at is stored.
func timestamp(e *expr.Expr) (int64, error) {
	raw := e.GetConstExpr().GetStringValue()
	if raw == "" {
		return 0, fmt.Errorf("timestamp argument must be a constant string")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp format: %s", raw)
	}
	return t.UTC().UnixMilli(), nil
}
