package cycling

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	cerrors "cyclon/internal/errors"
)

// maxSequenceScan bounds member generation so a degenerate recurrence can
// never spin the scheduler.
const maxSequenceScan = 100000

const queryCacheSize = 512

// Sequence is a lazy ordered stream of cycle points produced by a
// recurrence rule, optionally bounded and with exclusions.
type Sequence struct {
	raw    string
	cal    Calendar
	start  Point
	period Interval
	count  int    // 0 = unbounded
	end    *Point // final point bound (FCP or explicit end)

	exclPoints map[string]bool
	exclTimes  [][2]int // excluded (hour, min) times of day, recurring daily

	mu     sync.Mutex
	points []Point // generated members (before exclusion filtering)
	done   bool    // no more members can be generated
	cache  *lru.Cache[string, Point]
}

// ParseSequence parses a recurrence expression in the calendar, anchored
// at icp and bounded by fcp when set. Accepted forms:
//
//	R/start/period  Rn/start/period  Rn/start/end  Rn/period  R/period
//	period          (bare period, anchored at icp)
//
// with an optional exclusion suffix "!point" or "!(p1,p2,...)". Start may
// use a truncated form resolved against icp.
func ParseSequence(expr string, cal Calendar, icp Point, fcp *Point) (*Sequence, error) {
	raw := strings.TrimSpace(expr)
	body := raw

	var exclPart string
	if i := strings.Index(body, "!"); i >= 0 {
		exclPart = body[i+1:]
		body = body[:i]
	}

	seq := &Sequence{raw: raw, cal: cal, exclPoints: make(map[string]bool)}
	seq.cache, _ = lru.New[string, Point](queryCacheSize)
	if fcp != nil {
		end := *fcp
		seq.end = &end
	}

	if err := seq.parseRecurrence(body, cal, icp); err != nil {
		return nil, err
	}
	if err := seq.parseExclusions(exclPart, cal, icp); err != nil {
		return nil, err
	}
	if seq.period.IsZero() && seq.count != 1 {
		return nil, cerrors.New(cerrors.KindInput, "recurrence %q has a zero period", raw)
	}
	return seq, nil
}

func (s *Sequence) parseRecurrence(body string, cal Calendar, icp Point) error {
	if !strings.HasPrefix(body, "R") {
		// Bare period, anchored at the initial cycle point.
		period, err := ParseInterval(body, cal)
		if err != nil {
			return err
		}
		s.start, s.period = icp, period
		return nil
	}

	parts := strings.Split(body, "/")
	head := parts[0]
	s.count = 0
	if len(head) > 1 {
		n, err := strconv.Atoi(head[1:])
		if err != nil || n < 1 {
			return cerrors.New(cerrors.KindInput, "invalid repetition count in %q", body)
		}
		s.count = n
	}

	switch len(parts) {
	case 2:
		// R/period or Rn/period, anchored at ICP.
		period, err := ParseInterval(parts[1], cal)
		if err != nil {
			return err
		}
		s.start, s.period = icp, period
		return nil
	case 3:
		start, startErr := ParsePointRelative(parts[1], cal, icp)
		if startErr != nil {
			return startErr
		}
		s.start = start
		if period, err := ParseInterval(parts[2], cal); err == nil {
			s.period = period
			return nil
		}
		// Rn/start/end: divide the span evenly across n-1 steps.
		end, err := ParsePointRelative(parts[2], cal, icp)
		if err != nil {
			return cerrors.New(cerrors.KindInput, "unrecognised recurrence tail %q", parts[2])
		}
		return s.deriveSpanPeriod(end)
	default:
		return cerrors.New(cerrors.KindInput, "unrecognised recurrence %q", body)
	}
}

// deriveSpanPeriod computes the period for the Rn/start/end form.
func (s *Sequence) deriveSpanPeriod(end Point) error {
	if s.count < 2 {
		return cerrors.New(cerrors.KindInput,
			"recurrence %q: start/end form needs a repetition count of at least 2", s.raw)
	}
	span := end.DiffSeconds(s.start)
	if span <= 0 {
		return cerrors.New(cerrors.KindInput, "recurrence %q: end is not after start", s.raw)
	}
	steps := int64(s.count - 1)
	if span%steps != 0 {
		return cerrors.New(cerrors.KindInput,
			"recurrence %q: span does not divide evenly into %d steps", s.raw, steps)
	}
	if s.cal == CalendarInteger {
		s.period = Interval{integer: true, n: span / steps}
	} else {
		s.period = IntervalFromSeconds(span / steps)
	}
	endCopy := end
	if s.end == nil || endCopy.Less(*s.end) {
		s.end = &endCopy
	}
	return nil
}

func (s *Sequence) parseExclusions(part string, cal Calendar, icp Point) error {
	if part == "" {
		return nil
	}
	var tokens []string
	if strings.HasPrefix(part, "(") {
		if !strings.HasSuffix(part, ")") {
			return cerrors.New(cerrors.KindInput, "unterminated exclusion list in %q", s.raw)
		}
		tokens = strings.Split(part[1:len(part)-1], ",")
	} else {
		tokens = []string{part}
	}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		// Truncated time-of-day exclusions recur daily: PT1H!(T03,T06).
		if cal.IsDatetime() && strings.HasPrefix(tok, "T") {
			hour, min, _, err := parseTimePart(strings.TrimSuffix(tok[1:], "Z"))
			if err != nil {
				return cerrors.New(cerrors.KindInput, "invalid exclusion %q in %q", tok, s.raw)
			}
			s.exclTimes = append(s.exclTimes, [2]int{hour, min})
			continue
		}
		p, err := ParsePoint(tok, cal)
		if err != nil {
			return cerrors.New(cerrors.KindInput, "invalid exclusion %q in %q", tok, s.raw)
		}
		s.exclPoints[p.String()] = true
	}
	return nil
}

// Raw returns the recurrence expression the sequence was parsed from.
func (s *Sequence) Raw() string { return s.raw }

// Step returns the recurrence period.
func (s *Sequence) Step() Interval { return s.period }

// Bounded reports whether the sequence has a repetition count or end bound.
func (s *Sequence) Bounded() bool { return s.count > 0 || s.end != nil }

// excluded reports whether p is removed from the stream by an exclusion.
func (s *Sequence) excluded(p Point) bool {
	if s.exclPoints[p.String()] {
		return true
	}
	if len(s.exclTimes) > 0 {
		h, m, _ := p.TimeOfDay()
		for _, t := range s.exclTimes {
			if t[0] == h && t[1] == m {
				return true
			}
		}
	}
	return false
}

// memberAt generates members up to index i and returns (point, ok).
// Members past the count or end bound report ok=false.
func (s *Sequence) memberAt(i int) (Point, bool) {
	for len(s.points) <= i {
		if s.done {
			return Point{}, false
		}
		var next Point
		if len(s.points) == 0 {
			next = s.start
		} else {
			next = s.points[len(s.points)-1].Add(s.period)
		}
		if s.count > 0 && len(s.points) >= s.count {
			s.done = true
			return Point{}, false
		}
		if s.end != nil && s.end.Less(next) {
			s.done = true
			return Point{}, false
		}
		s.points = append(s.points, next)
	}
	if s.count > 0 && i >= s.count {
		return Point{}, false
	}
	return s.points[i], true
}

// FirstOnOrAfter returns the first non-excluded member >= p.
func (s *Sequence) FirstOnOrAfter(p Point) (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "goe:" + p.String()
	if hit, ok := s.cache.Get(key); ok {
		return hit, true
	}
	for i := 0; i < maxSequenceScan; i++ {
		member, ok := s.memberAt(i)
		if !ok {
			return Point{}, false
		}
		if !member.Less(p) && !s.excluded(member) {
			s.cache.Add(key, member)
			return member, true
		}
	}
	return Point{}, false
}

// NextAfter returns the first non-excluded member strictly after p.
func (s *Sequence) NextAfter(p Point) (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "gt:" + p.String()
	if hit, ok := s.cache.Get(key); ok {
		return hit, true
	}
	for i := 0; i < maxSequenceScan; i++ {
		member, ok := s.memberAt(i)
		if !ok {
			return Point{}, false
		}
		if p.Less(member) && !s.excluded(member) {
			s.cache.Add(key, member)
			return member, true
		}
	}
	return Point{}, false
}

// Contains reports whether p is a non-excluded member.
func (s *Sequence) Contains(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < maxSequenceScan; i++ {
		member, ok := s.memberAt(i)
		if !ok {
			return false
		}
		c := member.cmp(p)
		if c == 0 {
			return !s.excluded(member)
		}
		if c > 0 {
			return false
		}
	}
	return false
}

// IsEmpty reports whether the declared range contains no usable points.
// Only decidable for bounded sequences; an unbounded sequence with
// exclusions is never silently empty.
func (s *Sequence) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 && s.end == nil {
		return false
	}
	for i := 0; i < maxSequenceScan; i++ {
		member, ok := s.memberAt(i)
		if !ok {
			return true
		}
		if !s.excluded(member) {
			return false
		}
	}
	return true
}

// First returns the first usable member, if any.
func (s *Sequence) First() (Point, bool) {
	return s.FirstOnOrAfter(s.start)
}

func (s *Sequence) String() string {
	return fmt.Sprintf("sequence(%s)", s.raw)
}
