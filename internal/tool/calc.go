package tool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"relaybot/internal/domain"
)

// calcLimit bounds the magnitude of any calculator result.
const calcLimit = 1e15

// calcMaxDepth bounds parenthesis and sign nesting.
const calcMaxDepth = 64

func calculateCapability() *domain.Capability {
	return &domain.Capability{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression using + - * / and parentheses, e.g. \"15 * 23 + 7\".",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "expression", Type: domain.TypeString, Description: "Arithmetic expression to evaluate", Required: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			expr := ArgString(args, "expression")
			result, err := Evaluate(expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"expression": expr, "result": result}, nil
		},
	}
}

// Evaluate computes an arithmetic expression over decimal numbers, + - * /
// and parentheses. Arithmetic is exact; the result is an int64 when integral,
// otherwise a float64.
func Evaluate(expr string) (any, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("empty expression")
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &calcParser{toks: toks}
	val, err := p.expr(0)
	if err == nil && p.pos < len(p.toks) {
		err = p.errorf("unexpected %q", p.toks[p.pos].text)
	}
	if err != nil {
		return nil, err
	}

	limit := new(big.Rat).SetFloat64(calcLimit)
	if new(big.Rat).Abs(val).Cmp(limit) > 0 {
		return nil, fmt.Errorf("result exceeds %g", calcLimit)
	}
	if val.IsInt() {
		return val.Num().Int64(), nil
	}
	f, _ := val.Float64()
	return f, nil
}

type calcToken struct {
	op   byte     // one of + - * / ( ), or 0 for a number
	num  *big.Rat // set when op is 0
	text string
	at   int
}

func tokenize(expr string) ([]calcToken, error) {
	var toks []calcToken
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			n, err := parseDecimal(expr[i:j])
			if err != nil {
				return nil, fmt.Errorf("parse expression: %w at %d", err, i)
			}
			toks = append(toks, calcToken{num: n, text: expr[i:j], at: i})
			i = j
		case strings.IndexByte("+-*/()", c) >= 0:
			if (c == '*' || c == '/') && i+1 < len(expr) && expr[i+1] == c {
				return nil, fmt.Errorf("parse expression: unsupported operator %q at %d", expr[i:i+2], i)
			}
			toks = append(toks, calcToken{op: c, text: string(c), at: i})
			i++
		default:
			r, _ := utf8.DecodeRuneInString(expr[i:])
			return nil, fmt.Errorf("invalid character %q in expression", r)
		}
	}
	return toks, nil
}

// parseDecimal reads digits with at most one point. Integer parts with a
// leading zero are refused rather than read in another base.
func parseDecimal(s string) (*big.Rat, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	if len(whole) > 1 && whole[0] == '0' && strings.Trim(whole, "0") != "" {
		return nil, fmt.Errorf("leading zero in number %q", s)
	}
	n, ok := new(big.Rat).SetString(cmp.Or(whole, "0") + "." + cmp.Or(frac, "0"))
	if !ok {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

// calcParser is a recursive-descent parser:
//
//	expr  = term { ("+" | "-") term }
//	term  = unary { ("*" | "/") unary }
//	unary = ("+" | "-") unary | number | "(" expr ")"
type calcParser struct {
	toks []calcToken
	pos  int
}

func (p *calcParser) errorf(format string, args ...any) error {
	return fmt.Errorf("parse expression: "+format, args...)
}

func (p *calcParser) peek(ops string) (byte, bool) {
	if p.pos >= len(p.toks) {
		return 0, false
	}
	t := p.toks[p.pos]
	if t.op == 0 || strings.IndexByte(ops, t.op) < 0 {
		return 0, false
	}
	return t.op, true
}

func (p *calcParser) expr(depth int) (*big.Rat, error) {
	acc, err := p.term(depth)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peek("+-")
		if !ok {
			return acc, nil
		}
		p.pos++
		rhs, err := p.term(depth)
		if err != nil {
			return nil, err
		}
		if op == '+' {
			acc.Add(acc, rhs)
		} else {
			acc.Sub(acc, rhs)
		}
	}
}

func (p *calcParser) term(depth int) (*big.Rat, error) {
	acc, err := p.unary(depth)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peek("*/")
		if !ok {
			return acc, nil
		}
		p.pos++
		rhs, err := p.unary(depth)
		if err != nil {
			return nil, err
		}
		if op == '*' {
			acc.Mul(acc, rhs)
			continue
		}
		if rhs.Sign() == 0 {
			return nil, errors.New("division by zero")
		}
		acc.Quo(acc, rhs)
	}
}

func (p *calcParser) unary(depth int) (*big.Rat, error) {
	if depth > calcMaxDepth {
		return nil, p.errorf("expression nested too deeply")
	}
	if p.pos >= len(p.toks) {
		return nil, p.errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.op {
	case 0:
		return new(big.Rat).Set(t.num), nil
	case '+', '-':
		v, err := p.unary(depth + 1)
		if err != nil {
			return nil, err
		}
		if t.op == '-' {
			v.Neg(v)
		}
		return v, nil
	case '(':
		v, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		if _, ok := p.peek(")"); !ok {
			return nil, p.errorf("missing ) for ( at %d", t.at)
		}
		p.pos++
		return v, nil
	}
	return nil, p.errorf("unexpected %q at %d", t.text, t.at)
}
