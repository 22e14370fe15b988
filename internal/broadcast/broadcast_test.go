package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/cycling"
)

func TestPutAndGet(t *testing.T) {
	b := New(nil)
	modified, bad := b.Put(
		[]string{"20200102T0000Z"},
		[]string{"A"},
		map[string]string{"environment.FOO": "bar"},
	)
	assert.Equal(t, 1, modified)
	assert.Empty(t, bad)

	got := b.Get("20200102T0000Z", "A")
	assert.Equal(t, "bar", got["environment.FOO"])

	assert.Empty(t, b.Get("20200101T0000Z", "A"), "other cycles unaffected")
	assert.Empty(t, b.Get("20200102T0000Z", "B"), "other namespaces unaffected")
}

func TestPutIsIdempotent(t *testing.T) {
	b := New(nil)
	settings := map[string]string{"environment.FOO": "bar"}
	modified, _ := b.Put([]string{"*"}, []string{"root"}, settings)
	assert.Equal(t, 1, modified)

	modified, _ = b.Put([]string{"*"}, []string{"root"}, settings)
	assert.Equal(t, 0, modified, "identical put twice is equivalent to once")
	assert.Len(t, b.Dump(), 1)
}

func TestPrecedence(t *testing.T) {
	b := New(nil)
	b.Put([]string{"*"}, []string{"root"}, map[string]string{"script": "generic"})
	b.Put([]string{"*"}, []string{"A"}, map[string]string{"script": "for-a"})
	b.Put([]string{"20200101T0000Z"}, []string{"root"}, map[string]string{"script": "for-cycle"})

	// Literal cycle beats the namespace-specific wildcard-cycle entry.
	got := b.Get("20200101T0000Z", "A")
	assert.Equal(t, "for-cycle", got["script"])

	// Off that cycle, the namespace-specific entry wins over root.
	got = b.Get("20200102T0000Z", "A")
	assert.Equal(t, "for-a", got["script"])

	got = b.Get("20200102T0000Z", "B")
	assert.Equal(t, "generic", got["script"])
}

func TestLaterPutWinsOnTie(t *testing.T) {
	b := New(nil)
	b.Put([]string{"*"}, []string{"A"}, map[string]string{"script": "first"})
	b.Put([]string{"*"}, []string{"A"}, map[string]string{"script": "second"})
	assert.Equal(t, "second", b.Get("20200101T0000Z", "A")["script"])
}

func TestGlobNamespaces(t *testing.T) {
	b := New(nil)
	b.Put([]string{"*"}, []string{"post_*"}, map[string]string{"environment.STAGE": "post"})

	assert.Equal(t, "post", b.Get("20200101T0000Z", "post_proc")["environment.STAGE"])
	assert.Empty(t, b.Get("20200101T0000Z", "fetch"))
}

func TestClear(t *testing.T) {
	b := New(nil)
	b.Put([]string{"*"}, []string{"A"}, map[string]string{"script": "x", "environment.FOO": "y"})
	removed := b.Clear(nil, []string{"A"}, []string{"script"})
	assert.Equal(t, 1, removed)
	got := b.Get("20200101T0000Z", "A")
	assert.NotContains(t, got, "script")
	assert.Equal(t, "y", got["environment.FOO"])
}

func TestExpire(t *testing.T) {
	b := New(nil)
	b.Put([]string{"20200101T0000Z"}, []string{"A"}, map[string]string{"script": "old"})
	b.Put([]string{"20200105T0000Z"}, []string{"A"}, map[string]string{"script": "new"})
	b.Put([]string{"*"}, []string{"A"}, map[string]string{"environment.KEEP": "1"})

	cutoff, err := cycling.ParsePoint("2020-01-03", cycling.CalendarGregorian)
	require.NoError(t, err)
	removed := b.Expire(cutoff, cycling.CalendarGregorian)
	assert.Equal(t, 1, removed)
	assert.Empty(t, b.Get("20200101T0000Z", "A")["script"])
	assert.Equal(t, "new", b.Get("20200105T0000Z", "A")["script"])
	assert.Equal(t, "1", b.Get("20200101T0000Z", "A")["environment.KEEP"])
}

func TestFlatten(t *testing.T) {
	flat := Flatten(map[string]any{
		"environment": map[string]any{"FOO": "bar", "N": 3},
		"script":      "run",
	})
	assert.Equal(t, "bar", flat["environment.FOO"])
	assert.Equal(t, "3", flat["environment.N"])
	assert.Equal(t, "run", flat["script"])
}
