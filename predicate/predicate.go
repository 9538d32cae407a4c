// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package predicate compiles row filter expressions such as
//
//	matrix['CD4'] > 0 & matrix['qc'] > .6
//
// into a sandboxed evaluator. Expressions can use arithmetic, comparison,
// text operators, !, && and ||, with & and | as boolean aliases for && and
// ||. There are no function calls, and the only variable is matrix, which
// maps column names to the values of the row being tested.
package predicate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/PaesslerAG/gval"
	"github.com/molecula/filtermerge"
)

// RowVariable is the name under which expressions see the current row.
const RowVariable = "matrix"

var language = gval.NewLanguage(
	gval.Arithmetic(),
	gval.Text(),
	gval.PropositionalLogic(),

	gval.PrefixExtension(scanner.Char, parseQuoted),
	gval.VariableSelector(selectColumn),
)

// normalize rewrites a lone & or | outside of string literals as && or ||.
// The language cannot lower the precedence of & and | below comparison, so
// the aliases are resolved before parsing.
func normalize(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)
	var quote rune
	rs := []rune(expr)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			if r == '\\' && quote != '`' && i+1 < len(rs) {
				b.WriteRune(r)
				i++
				r = rs[i]
			} else if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '&' || r == '|':
			b.WriteRune(r)
			if i+1 < len(rs) && rs[i+1] == r {
				i++
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseQuoted accepts single-quoted strings of any length.
func parseQuoted(c context.Context, p *gval.Parser) (gval.Evaluable, error) {
	tok := p.TokenText()
	if len(tok) < 2 {
		return nil, fmt.Errorf("could not parse string: %s", tok)
	}
	body := tok[1 : len(tok)-1]
	s, err := strconv.Unquote(`"` + strings.ReplaceAll(body, `"`, `\"`) + `"`)
	if err != nil {
		return nil, fmt.Errorf("could not parse string: %s", err)
	}
	return p.Const(s), nil
}

// selectColumn resolves matrix['name'] against the row, failing on unknown
// columns instead of yielding nil.
func selectColumn(path gval.Evaluables) gval.Evaluable {
	return func(c context.Context, v interface{}) (interface{}, error) {
		keys, err := path.EvalStrings(c, v)
		if err != nil {
			return nil, err
		}
		for i, k := range keys {
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s has no field %s", strings.Join(keys[:i], "."), k)
			}
			if v, ok = m[k]; !ok {
				if i == 0 {
					return nil, fmt.Errorf("unknown variable %s", k)
				}
				return nil, fmt.Errorf("unknown column %s", k)
			}
		}
		return v, nil
	}
}

// Predicate is a compiled filter expression. It is safe for concurrent use.
type Predicate struct {
	expr string
	eval gval.Evaluable
}

// Compile parses expr. Errors are coded filtermerge.ErrFilterExpression.
func Compile(expr string) (*Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, filtermerge.NewErrFilterExpression(expr, fmt.Errorf("empty expression"))
	}
	eval, err := language.NewEvaluable(normalize(expr))
	if err != nil {
		return nil, filtermerge.NewErrFilterExpression(expr, err)
	}
	return &Predicate{expr: expr, eval: eval}, nil
}

func (p *Predicate) String() string {
	return p.expr
}

// Match evaluates the predicate against one row, keyed by column name. A
// result which is not a boolean is an error.
func (p *Predicate) Match(ctx context.Context, row map[string]interface{}) (bool, error) {
	out, err := p.eval(ctx, map[string]interface{}{RowVariable: row})
	if err != nil {
		return false, filtermerge.NewErrFilterExpression(p.expr, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, filtermerge.NewErrFilterExpression(p.expr, fmt.Errorf("result %v (%T) is not a boolean", out, out))
	}
	return b, nil
}
