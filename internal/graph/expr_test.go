package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/cycling"
)

func TestParseExprAtoms(t *testing.T) {
	expr, err := ParseExpr("foo[-P1D]:succeeded & bar:custom_out | baz", cycling.CalendarGregorian)
	require.NoError(t, err)

	atoms := Atoms(expr)
	require.Len(t, atoms, 3)
	assert.Equal(t, "foo", atoms[0].Task)
	assert.True(t, atoms[0].HasOffset)
	assert.Equal(t, "-P1D", atoms[0].Offset.String())
	assert.Equal(t, "succeeded", atoms[0].Output)
	assert.Equal(t, "custom_out", atoms[1].Output)
	assert.Equal(t, "succeeded", atoms[2].Output, "output defaults to succeeded")
}

func TestParseExprPrecedence(t *testing.T) {
	// AND binds tighter than OR.
	expr, err := ParseExpr("a | b & c", cycling.CalendarGregorian)
	require.NoError(t, err)

	sat := func(names ...string) func(Atom) bool {
		set := map[string]bool{}
		for _, n := range names {
			set[n] = true
		}
		return func(a Atom) bool { return set[a.Task] }
	}

	assert.True(t, Eval(expr, sat("a")))
	assert.True(t, Eval(expr, sat("b", "c")))
	assert.False(t, Eval(expr, sat("b")))
}

func TestParseExprParens(t *testing.T) {
	expr, err := ParseExpr("(a | b) & c", cycling.CalendarGregorian)
	require.NoError(t, err)
	sat := func(a Atom) bool { return a.Task == "a" }
	assert.False(t, Eval(expr, sat))
}

func TestParseExprErrors(t *testing.T) {
	for _, in := range []string{"", "a &", "(a", "a b", "a[PXD]"} {
		_, err := ParseExpr(in, cycling.CalendarGregorian)
		assert.Error(t, err, "input %q", in)
	}
}

func TestSimplify(t *testing.T) {
	expr, err := ParseExpr("a & b | c", cycling.CalendarGregorian)
	require.NoError(t, err)

	// Replace "a" with literal true: (true & b) | c -> b | c.
	elided := Transform(expr, func(a Atom) Expr {
		if a.Task == "a" {
			return &LiteralExpr{Value: true}
		}
		return &AtomExpr{Atom: a}
	})
	simplified := Simplify(elided)
	atoms := Atoms(simplified)
	require.Len(t, atoms, 2)

	// Replace everything with true: whole expression collapses.
	allTrue := Simplify(Transform(expr, func(Atom) Expr { return &LiteralExpr{Value: true} }))
	lit, ok := allTrue.(*LiteralExpr)
	require.True(t, ok)
	assert.True(t, lit.Value)
}

func TestParseCall(t *testing.T) {
	call, err := ParseCall("wall_clock(offset=PT1H)")
	require.NoError(t, err)
	assert.Equal(t, "wall_clock", call.Func)
	assert.Equal(t, "PT1H", call.Args["offset"])

	bare, err := ParseCall("upstream_ready")
	require.NoError(t, err)
	assert.Equal(t, "upstream_ready", bare.Func)

	_, err = ParseCall("f(broken")
	assert.Error(t, err)
}

func TestCallSubstituteAndSignature(t *testing.T) {
	call := Call{Func: "check", Args: map[string]string{"point": "%(point)s", "host": "hpc1"}}
	p, err := cycling.ParsePoint("2020-01-01", cycling.CalendarGregorian)
	require.NoError(t, err)

	resolved := call.SubstitutePoint(p)
	assert.Equal(t, "20200101T0000Z", resolved.Args["point"])
	assert.Equal(t, "check(host=hpc1,point=20200101T0000Z)", resolved.Signature())
}
