// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package solver answers trivial arithmetic and linear word problems locally,
// bypassing the model server entirely.
package solver

import (
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnsafeExpression is returned by the evaluator when an expression
// contains anything beyond literals, arithmetic operators and parentheses.
// Callers treat it as "no match" and defer to the network path.
var ErrUnsafeExpression = errors.New("expression contains disallowed syntax")

// errNoMatch is the internal "not solvable here" signal.
var errNoMatch = errors.New("no fast-path match")

// =============================================================================
// ENTRY POINT
// =============================================================================

// Solve attempts to answer the given user text locally. The second return
// value is false when the text does not match a supported pattern, in which
// case the caller should delegate to the model server. Solve is pure and
// never returns an error to the user: any doubt means "no match".
func Solve(text string) (string, bool) {
	if answer, err := solveArithmetic(text); err == nil {
		return answer, true
	}
	if answer, err := solveLinear(text); err == nil {
		return answer, true
	}
	return "", false
}

// =============================================================================
// ARITHMETIC
// =============================================================================

var arithmeticPrefixes = []string{"what is", "what's", "how much is"}

// exprCharset restricts expressions to digits, arithmetic operators,
// parentheses, decimal points and spaces. Anything else (letters, quotes,
// underscores) disqualifies the text before it ever reaches a parser.
var exprCharset = regexp.MustCompile(`^[0-9+\-*/^(). ]+$`)

// solveArithmetic recognizes "what is <expression>" and evaluates the
// expression in a sandbox: the text is parsed into an AST and rejected
// unless every node is a numeric literal, a basic arithmetic operator or
// parentheses. No other code path can run.
func solveArithmetic(text string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(text))

	var expr string
	for _, prefix := range arithmeticPrefixes {
		if strings.HasPrefix(lower, prefix) {
			expr = strings.TrimSpace(lower[len(prefix):])
			break
		}
	}
	if expr == "" {
		return "", errNoMatch
	}
	expr = strings.TrimRight(expr, "?")
	expr = strings.TrimSpace(expr)
	if expr == "" || !exprCharset.MatchString(expr) {
		return "", errNoMatch
	}
	// The charset admits "/" and "*", which Go's parser would also accept
	// as comment tokens. Comments are not arithmetic.
	if strings.Contains(expr, "//") || strings.Contains(expr, "/*") {
		return "", errNoMatch
	}

	// "^" parses as a binary operator and is rewritten to exponentiation
	// during evaluation.
	tree, err := parser.ParseExpr(expr)
	if err != nil {
		return "", errNoMatch
	}
	if err := validateExpr(tree); err != nil {
		return "", err
	}

	value, err := evalExpr(tree)
	if err != nil {
		return "", errNoMatch
	}
	return formatNumber(value), nil
}

// validateExpr walks the tree and rejects any node that is not a numeric
// literal, an arithmetic binary/unary operator or parentheses. Calls,
// identifiers, selectors and index expressions all fail the walk, so
// nothing resembling code can reach the evaluator.
func validateExpr(node ast.Expr) error {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return ErrUnsafeExpression
		}
		return nil
	case *ast.ParenExpr:
		return validateExpr(n.X)
	case *ast.UnaryExpr:
		if n.Op != token.ADD && n.Op != token.SUB {
			return ErrUnsafeExpression
		}
		return validateExpr(n.X)
	case *ast.BinaryExpr:
		switch n.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO, token.XOR:
		default:
			return ErrUnsafeExpression
		}
		if err := validateExpr(n.X); err != nil {
			return err
		}
		return validateExpr(n.Y)
	default:
		return ErrUnsafeExpression
	}
}

// evalExpr evaluates a tree that already passed validateExpr.
func evalExpr(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return evalExpr(n.X)
	case *ast.UnaryExpr:
		v, err := evalExpr(n.X)
		if err != nil {
			return 0, err
		}
		if n.Op == token.SUB {
			return -v, nil
		}
		return v, nil
	case *ast.BinaryExpr:
		x, err := evalExpr(n.X)
		if err != nil {
			return 0, err
		}
		y, err := evalExpr(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errNoMatch
			}
			return x / y, nil
		case token.XOR:
			return math.Pow(x, y), nil
		}
	}
	return 0, ErrUnsafeExpression
}

// =============================================================================
// LINEAR WORD PROBLEMS
// =============================================================================

// Recognizes problems of the form "double/triple/multiply by N a number,
// add/subtract M, the result is R" and solves original = (R - M) / N.

var (
	multiplyByPattern = regexp.MustCompile(`multipl\w*\s+.*?\bby\s+(-?\d+(?:\.\d+)?)`)
	addPattern        = regexp.MustCompile(`(?:add|plus)\s+(-?\d+(?:\.\d+)?)`)
	subtractPattern   = regexp.MustCompile(`(?:subtract|minus)\s+(-?\d+(?:\.\d+)?)`)
	resultPattern     = regexp.MustCompile(`(?:result is|equals|get)\s+(-?\d+(?:\.\d+)?)`)
)

func solveLinear(text string) (string, error) {
	lower := strings.ToLower(text)

	multiplier, ok := extractMultiplier(lower)
	if !ok {
		return "", errNoMatch
	}

	addend := 0.0
	if m := addPattern.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", errNoMatch
		}
		addend = v
	} else if m := subtractPattern.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", errNoMatch
		}
		addend = -v
	}

	m := resultPattern.FindStringSubmatch(lower)
	if m == nil {
		return "", errNoMatch
	}
	result, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "", errNoMatch
	}

	if multiplier == 0 {
		return "", errNoMatch
	}
	original := (result - addend) / multiplier
	return formatNumber(original), nil
}

// extractMultiplier maps doubling/tripling keywords and explicit
// "multiply by N" phrasing to a multiplier.
func extractMultiplier(lower string) (float64, bool) {
	if m := multiplyByPattern.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	if strings.Contains(lower, "triple") || strings.Contains(lower, "tripling") {
		return 3, true
	}
	if strings.Contains(lower, "double") || strings.Contains(lower, "doubling") || strings.Contains(lower, "twice") {
		return 2, true
	}
	return 0, false
}

// =============================================================================
// FORMATTING
// =============================================================================

// formatNumber renders integer-valued results without a decimal part.
// The 1e-9 tolerance absorbs floating point noise from division.
func formatNumber(v float64) string {
	if rounded := math.Round(v); math.Abs(v-rounded) < 1e-9 {
		return strconv.FormatInt(int64(rounded), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
