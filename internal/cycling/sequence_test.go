package cycling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSequence(t *testing.T, expr string, cal Calendar, icp Point, fcp *Point) *Sequence {
	t.Helper()
	seq, err := ParseSequence(expr, cal, icp, fcp)
	require.NoError(t, err)
	return seq
}

func TestDailySequence(t *testing.T) {
	icp := mustPoint(t, "2020-01-01", CalendarGregorian)
	fcp := mustPoint(t, "2020-01-03", CalendarGregorian)
	seq := mustSequence(t, "R/2020-01-01/P1D", CalendarGregorian, icp, &fcp)

	first, ok := seq.First()
	require.True(t, ok)
	assert.Equal(t, "20200101T0000Z", first.String())

	next, ok := seq.NextAfter(first)
	require.True(t, ok)
	assert.Equal(t, "20200102T0000Z", next.String())

	assert.True(t, seq.Contains(mustPoint(t, "2020-01-03", CalendarGregorian)))
	assert.False(t, seq.Contains(mustPoint(t, "2020-01-02T06", CalendarGregorian)))

	// FCP bounds the stream.
	_, ok = seq.NextAfter(mustPoint(t, "2020-01-03", CalendarGregorian))
	assert.False(t, ok)
}

func TestBarePeriodAnchorsAtICP(t *testing.T) {
	icp := mustPoint(t, "2020-01-01T00", CalendarGregorian)
	seq := mustSequence(t, "PT6H", CalendarGregorian, icp, nil)

	p, ok := seq.FirstOnOrAfter(mustPoint(t, "2020-01-01T07", CalendarGregorian))
	require.True(t, ok)
	assert.Equal(t, "20200101T1200Z", p.String())
}

func TestBoundedRepetitionCount(t *testing.T) {
	icp := mustPoint(t, "2010-01-01", CalendarGregorian)
	seq := mustSequence(t, "R3/2010/P1Y", CalendarGregorian, icp, nil)

	assert.True(t, seq.Contains(mustPoint(t, "2012-01-01", CalendarGregorian)))
	assert.False(t, seq.Contains(mustPoint(t, "2013-01-01", CalendarGregorian)))
	_, ok := seq.NextAfter(mustPoint(t, "2012-01-01", CalendarGregorian))
	assert.False(t, ok)
}

func TestStartEndForm(t *testing.T) {
	icp := mustPoint(t, "2020-01-01", CalendarGregorian)
	seq := mustSequence(t, "R3/2020-01-01/2020-01-03", CalendarGregorian, icp, nil)

	p, ok := seq.NextAfter(icp)
	require.True(t, ok)
	assert.Equal(t, "20200102T0000Z", p.String())
	assert.True(t, seq.Contains(mustPoint(t, "2020-01-03", CalendarGregorian)))
	_, ok = seq.NextAfter(mustPoint(t, "2020-01-03", CalendarGregorian))
	assert.False(t, ok)
}

func TestPointExclusion(t *testing.T) {
	icp := mustPoint(t, "2000-01-01T00", CalendarGregorian)
	seq := mustSequence(t, "PT1H!20000101T02Z", CalendarGregorian, icp, nil)

	assert.False(t, seq.Contains(mustPoint(t, "2000-01-01T02", CalendarGregorian)))
	p, ok := seq.FirstOnOrAfter(mustPoint(t, "2000-01-01T02", CalendarGregorian))
	require.True(t, ok)
	assert.Equal(t, "20000101T0300Z", p.String())
}

func TestTimeOfDayExclusionList(t *testing.T) {
	icp := mustPoint(t, "2000-01-01T00", CalendarGregorian)
	seq := mustSequence(t, "PT1H!(T03,T06)", CalendarGregorian, icp, nil)

	assert.False(t, seq.Contains(mustPoint(t, "2000-01-01T03", CalendarGregorian)))
	assert.False(t, seq.Contains(mustPoint(t, "2000-01-02T06", CalendarGregorian)), "time-of-day exclusions recur daily")
	assert.True(t, seq.Contains(mustPoint(t, "2000-01-01T04", CalendarGregorian)))
}

func TestFullyExcludedBoundedSequenceIsEmpty(t *testing.T) {
	icp := mustPoint(t, "2020-01-01", CalendarGregorian)
	seq := mustSequence(t, "R2/2020-01-01/P1D!(20200101T0000Z,20200102T0000Z)", CalendarGregorian, icp, nil)
	assert.True(t, seq.IsEmpty())

	unbounded := mustSequence(t, "P1D!20200101T0000Z", CalendarGregorian, icp, nil)
	assert.False(t, unbounded.IsEmpty())
}

func TestIntegerSequence(t *testing.T) {
	icp := mustPoint(t, "1", CalendarInteger)
	seq := mustSequence(t, "R/1/P2", CalendarInteger, icp, nil)

	assert.True(t, seq.Contains(mustPoint(t, "5", CalendarInteger)))
	assert.False(t, seq.Contains(mustPoint(t, "4", CalendarInteger)))

	p, ok := seq.FirstOnOrAfter(mustPoint(t, "4", CalendarInteger))
	require.True(t, ok)
	assert.Equal(t, "5", p.String())
}

func TestZeroPeriodIsRejected(t *testing.T) {
	icp := mustPoint(t, "2020-01-01", CalendarGregorian)
	_, err := ParseSequence("R/2020-01-01/PT0S", CalendarGregorian, icp, nil)
	require.Error(t, err)
}

func TestTruncatedStartResolvesAgainstICP(t *testing.T) {
	icp := mustPoint(t, "2010-01-01T06", CalendarGregorian)
	seq := mustSequence(t, "R/T00/P1D", CalendarGregorian, icp, nil)

	first, ok := seq.First()
	require.True(t, ok)
	assert.Equal(t, "20100102T0000Z", first.String())
}
