package broadcast

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"cyclon/internal/cycling"
	"cyclon/internal/logging"
)

// RootNamespace matches every task.
const RootNamespace = "root"

// AllCycles matches every cycle point.
const AllCycles = "*"

// entry is one broadcast setting: a (cycle matcher, namespace matcher,
// setting path) triple with an insertion sequence for tie-breaking.
type entry struct {
	cyclePat string
	nsPat    string
	key      string
	value    string
	seq      int
}

// Broadcast holds runtime overrides of task settings, keyed by cycle-point
// and namespace matchers. Owned by the scheduler loop; not synchronised.
type Broadcast struct {
	logger  logging.Logger
	entries []entry
	seq     int
}

// New creates an empty broadcast store.
func New(logger logging.Logger) *Broadcast {
	return &Broadcast{logger: logging.OrNop(logger)}
}

// Put adds or overrides settings for every (point, namespace) pair.
// Matchers may be literal values, globs, "*" (all cycles) or "root" (all
// namespaces). Returns the number of entries modified and any rejected
// setting keys. Re-putting an identical setting is a no-op.
func (b *Broadcast) Put(points, namespaces []string, settings map[string]string) (int, []string) {
	if len(points) == 0 {
		points = []string{AllCycles}
	}
	if len(namespaces) == 0 {
		namespaces = []string{RootNamespace}
	}

	var bad []string
	modified := 0
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			bad = append(bad, key)
			continue
		}
		value := settings[key]
		for _, point := range points {
			for _, ns := range namespaces {
				if b.upsert(point, ns, key, value) {
					modified++
				}
			}
		}
	}
	if modified > 0 {
		b.logger.Info("broadcast put: %d setting(s) modified", modified)
	}
	return modified, bad
}

func (b *Broadcast) upsert(point, ns, key, value string) bool {
	for i := range b.entries {
		e := &b.entries[i]
		if e.cyclePat == point && e.nsPat == ns && e.key == key {
			if e.value == value {
				return false // identical put is idempotent
			}
			e.value = value
			b.seq++
			e.seq = b.seq
			return true
		}
	}
	b.seq++
	b.entries = append(b.entries, entry{cyclePat: point, nsPat: ns, key: key, value: value, seq: b.seq})
	return true
}

// Clear removes settings matching the given points, namespaces and keys.
// Empty slices match everything. Returns the number of entries removed.
func (b *Broadcast) Clear(points, namespaces, keys []string) int {
	match := func(pats []string, v string) bool {
		if len(pats) == 0 {
			return true
		}
		for _, pat := range pats {
			if pat == v {
				return true
			}
		}
		return false
	}

	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if match(points, e.cyclePat) && match(namespaces, e.nsPat) && match(keys, e.key) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	if removed > 0 {
		b.logger.Info("broadcast clear: %d setting(s) removed", removed)
	}
	return removed
}

// Get returns the flattened settings applying to one task instance,
// merging matching entries. Precedence: a more specific cycle matcher
// beats "*"; a more specific namespace beats "root"; a later put beats an
// earlier one on full tie.
func (b *Broadcast) Get(point, namespace string) map[string]string {
	matching := make([]entry, 0)
	for _, e := range b.entries {
		if matchPattern(e.cyclePat, point, AllCycles) && matchPattern(e.nsPat, namespace, RootNamespace) {
			matching = append(matching, e)
		}
	}
	// Apply in ascending precedence so the strongest match lands last.
	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if sa, sb := specificity(a.cyclePat, AllCycles), specificity(b.cyclePat, AllCycles); sa != sb {
			return sa < sb
		}
		if sa, sb := specificity(a.nsPat, RootNamespace), specificity(b.nsPat, RootNamespace); sa != sb {
			return sa < sb
		}
		return a.seq < b.seq
	})

	out := make(map[string]string, len(matching))
	for _, e := range matching {
		out[e.key] = e.value
	}
	return out
}

// Expire drops settings pinned to literal cycle points older than the
// given point. Called as the pool's oldest active cycle advances.
func (b *Broadcast) Expire(point cycling.Point, cal cycling.Calendar) int {
	kept := b.entries[:0]
	removed := 0
	for _, e := range b.entries {
		if specificity(e.cyclePat, AllCycles) == 2 {
			if p, err := cycling.ParsePoint(e.cyclePat, cal); err == nil && p.Less(point) {
				removed++
				continue
			}
		}
		kept = append(kept, e)
	}
	b.entries = kept
	if removed > 0 {
		b.logger.Info("broadcast expire: %d stale setting(s) removed before %s", removed, point)
	}
	return removed
}

// Dump returns every live entry as "cycle/namespace/key=value" lines,
// sorted, for queries and the run log.
func (b *Broadcast) Dump() []string {
	out := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, fmt.Sprintf("%s/%s/%s=%s", e.cyclePat, e.nsPat, e.key, e.value))
	}
	sort.Strings(out)
	return out
}

// matchPattern matches a literal, glob or wildcard pattern against v.
func matchPattern(pat, v, wildcard string) bool {
	if pat == wildcard || pat == v {
		return true
	}
	ok, err := path.Match(pat, v)
	return err == nil && ok
}

// specificity ranks matchers: literal (2) > glob (1) > wildcard (0).
func specificity(pat, wildcard string) int {
	if pat == wildcard {
		return 0
	}
	if strings.ContainsAny(pat, "*?[") {
		return 1
	}
	return 2
}

// Flatten converts a nested settings document into dotted setting paths.
func Flatten(settings map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", settings)
	return out
}

func flattenInto(out map[string]string, prefix string, value map[string]any) {
	for key, v := range value {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch typed := v.(type) {
		case map[string]any:
			flattenInto(out, full, typed)
		default:
			out[full] = fmt.Sprintf("%v", typed)
		}
	}
}
