package cycling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "cyclon/internal/errors"
)

// Interval is a signed duration in a calendar system. Datetime intervals
// carry nominal year/month components that only resolve against a concrete
// point; integer intervals are plain step counts.
type Interval struct {
	integer bool
	n       int64 // integer calendar steps

	years, months, days int
	hours, mins, secs   int
}

// ZeroInterval returns the zero interval for the calendar.
func ZeroInterval(cal Calendar) Interval {
	return Interval{integer: cal == CalendarInteger}
}

// IntervalFromSeconds builds an exact datetime interval from seconds.
func IntervalFromSeconds(secs int64) Interval {
	neg := secs < 0
	if neg {
		secs = -secs
	}
	iv := Interval{
		days:  int(secs / 86400),
		hours: int(secs % 86400 / 3600),
		mins:  int(secs % 3600 / 60),
		secs:  int(secs % 60),
	}
	if neg {
		iv = iv.Neg()
	}
	return iv
}

// IsZero reports whether every component is zero.
func (iv Interval) IsZero() bool {
	return iv.n == 0 && iv.years == 0 && iv.months == 0 && iv.days == 0 &&
		iv.hours == 0 && iv.mins == 0 && iv.secs == 0
}

// IsNegative reports whether the interval points backwards in time. Mixed
// signs never arise from parsing (the sign applies to the whole literal).
func (iv Interval) IsNegative() bool {
	return iv.n < 0 || iv.years < 0 || iv.months < 0 || iv.days < 0 ||
		iv.hours < 0 || iv.mins < 0 || iv.secs < 0
}

// Neg returns the interval with every component negated.
func (iv Interval) Neg() Interval {
	return Interval{
		integer: iv.integer, n: -iv.n,
		years: -iv.years, months: -iv.months, days: -iv.days,
		hours: -iv.hours, mins: -iv.mins, secs: -iv.secs,
	}
}

// Add returns the componentwise sum.
func (iv Interval) Add(other Interval) Interval {
	return Interval{
		integer: iv.integer || other.integer,
		n:       iv.n + other.n,
		years:   iv.years + other.years, months: iv.months + other.months,
		days:  iv.days + other.days, hours: iv.hours + other.hours,
		mins: iv.mins + other.mins, secs: iv.secs + other.secs,
	}
}

// MulInt scales every component by k.
func (iv Interval) MulInt(k int) Interval {
	return Interval{
		integer: iv.integer, n: iv.n * int64(k),
		years: iv.years * k, months: iv.months * k, days: iv.days * k,
		hours: iv.hours * k, mins: iv.mins * k, secs: iv.secs * k,
	}
}

// Seconds returns the exact length in seconds. Year/month components have
// no fixed length and are rejected.
func (iv Interval) Seconds() (int64, error) {
	if iv.years != 0 || iv.months != 0 {
		return 0, cerrors.New(cerrors.KindInput,
			"interval %s has nominal year/month components with no fixed length", iv)
	}
	return int64(iv.days)*86400 + int64(iv.hours)*3600 + int64(iv.mins)*60 + int64(iv.secs), nil
}

// String renders the ISO 8601 duration form (or Pn for integer steps).
func (iv Interval) String() string {
	if iv.integer {
		return "P" + strconv.FormatInt(iv.n, 10)
	}
	v := iv
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}
	var b strings.Builder
	b.WriteString(sign)
	b.WriteString("P")
	if v.years != 0 {
		fmt.Fprintf(&b, "%dY", v.years)
	}
	if v.months != 0 {
		fmt.Fprintf(&b, "%dM", v.months)
	}
	if v.days != 0 {
		fmt.Fprintf(&b, "%dD", v.days)
	}
	if v.hours != 0 || v.mins != 0 || v.secs != 0 {
		b.WriteString("T")
		if v.hours != 0 {
			fmt.Fprintf(&b, "%dH", v.hours)
		}
		if v.mins != 0 {
			fmt.Fprintf(&b, "%dM", v.mins)
		}
		if v.secs != 0 {
			fmt.Fprintf(&b, "%dS", v.secs)
		}
	}
	if b.Len() == len(sign)+1 {
		b.WriteString("T0S")
	}
	return b.String()
}

// ParseInterval parses an interval literal for the calendar: PnYnMnDTnHnMnS
// for datetime calendars, Pn for integer cycling. A leading '-' negates.
func ParseInterval(s string, cal Calendar) (Interval, error) {
	s = strings.TrimSpace(s)
	raw := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return Interval{}, cerrors.New(cerrors.KindInput, "invalid interval %q: missing P designator", raw)
	}
	body := s[1:]

	if cal == CalendarInteger {
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Interval{}, cerrors.New(cerrors.KindInput, "invalid integer interval %q", raw)
		}
		iv := Interval{integer: true, n: n}
		if neg {
			iv = iv.Neg()
		}
		return iv, nil
	}

	iv, err := parseDurationBody(body)
	if err != nil {
		return Interval{}, cerrors.New(cerrors.KindInput, "invalid interval %q: %v", raw, err)
	}
	if neg {
		iv = iv.Neg()
	}
	return iv, nil
}

// ParseDuration parses a wall-clock duration (retry delays, poll delays,
// grace windows). Year/month components are rejected: a retry delay has to
// have a fixed real-time length.
func ParseDuration(s string) (time.Duration, error) {
	iv, err := ParseInterval(s, CalendarGregorian)
	if err != nil {
		return 0, err
	}
	secs, err := iv.Seconds()
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseDurationList parses each item of a list of durations; an item is
// one duration literal, not a comma-separated run.
func ParseDurationList(items []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(items))
	for _, item := range items {
		d, err := ParseDuration(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDurationBody(body string) (Interval, error) {
	if body == "" {
		return Interval{}, fmt.Errorf("empty duration")
	}
	var iv Interval
	datePart := body
	timePart := ""
	if i := strings.IndexByte(body, 'T'); i >= 0 {
		datePart = body[:i]
		timePart = body[i+1:]
		if timePart == "" {
			return Interval{}, fmt.Errorf("dangling T designator")
		}
	}

	if err := scanComponents(datePart, map[byte]*int{
		'Y': &iv.years, 'M': &iv.months, 'W': nil, 'D': &iv.days,
	}, &iv); err != nil {
		return Interval{}, err
	}
	if err := scanComponents(timePart, map[byte]*int{
		'H': &iv.hours, 'M': &iv.mins, 'S': &iv.secs,
	}, &iv); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// scanComponents walks "3D", "1Y2M10D" style runs. The W designator is
// folded into days.
func scanComponents(s string, dests map[byte]*int, iv *Interval) error {
	num := ""
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num += string(c)
			continue
		}
		dest, ok := dests[c]
		if !ok || num == "" {
			return fmt.Errorf("unexpected %q", string(c))
		}
		v, err := strconv.Atoi(num)
		if err != nil {
			return err
		}
		if c == 'W' {
			iv.days += v * 7
		} else {
			*dest += v
		}
		num = ""
	}
	if num != "" {
		return fmt.Errorf("trailing digits %q", num)
	}
	return nil
}
