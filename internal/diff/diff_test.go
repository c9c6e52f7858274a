package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFirstBuild(t *testing.T) {
	curr := map[string]string{"a": "fp1", "b": "fp2", "c": "fp3"}

	r := Classify(map[string]string{}, curr)

	assert.Equal(t, []string{"a", "b", "c"}, r.Added)
	assert.Empty(t, r.Removed)
	assert.Empty(t, r.Unchanged)
	assert.Empty(t, r.Modified)
	assert.Equal(t, 0.0, r.CacheHitRate())
}

func TestClassifyMixed(t *testing.T) {
	prev := map[string]string{
		"keep":    "fp1",
		"change":  "fp2",
		"deleted": "fp3",
	}
	curr := map[string]string{
		"keep":   "fp1",
		"change": "fp2'",
		"fresh":  "fp4",
	}

	r := Classify(prev, curr)

	assert.Equal(t, []string{"keep"}, r.Unchanged)
	assert.Equal(t, []string{"change"}, r.Modified)
	assert.Equal(t, []string{"fresh"}, r.Added)
	assert.Equal(t, []string{"deleted"}, r.Removed)
}

func TestClassifyIdenticalManifests(t *testing.T) {
	m := map[string]string{"a": "fp1", "b": "fp2"}

	r := Classify(m, m)

	assert.Equal(t, []string{"a", "b"}, r.Unchanged)
	assert.Empty(t, r.Added)
	assert.Empty(t, r.Removed)
	assert.Empty(t, r.Modified)
	assert.Equal(t, 1.0, r.CacheHitRate())
}

func TestClassifySetsAreDisjointAndComplete(t *testing.T) {
	prev := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}
	curr := map[string]string{"b": "2", "c": "9", "d": "4", "e": "5"}

	r := Classify(prev, curr)

	seen := map[string]int{}
	for _, set := range [][]string{r.Added, r.Removed, r.Unchanged, r.Modified} {
		for _, id := range set {
			seen[id]++
		}
	}
	// every id appears in exactly one set
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s classified %d times", id, n)
	}
	// current ids land in added/unchanged/modified, removed covers the rest of prev
	assert.Len(t, seen, 5)
}

func TestClassifyDeterministicOrder(t *testing.T) {
	prev := map[string]string{"z": "1", "a": "2"}
	curr := map[string]string{"z": "1", "a": "3", "m": "4", "b": "5"}

	first := Classify(prev, curr)
	second := Classify(prev, curr)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"b", "m"}, first.Added)
}

func TestCacheHitRate(t *testing.T) {
	tests := []struct {
		name                       string
		unchanged, modified, added int
		want                       float64
	}{
		{"all unchanged", 10, 0, 0, 1.0},
		{"seven of ten", 7, 2, 1, 0.7},
		{"nothing current", 0, 0, 0, 0.0},
		{"all new", 0, 0, 4, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Result{
				Unchanged: make([]string, tt.unchanged),
				Modified:  make([]string, tt.modified),
				Added:     make([]string, tt.added),
			}
			assert.InDelta(t, tt.want, r.CacheHitRate(), 1e-9)
		})
	}
}

func TestCacheHitRateIgnoresRemoved(t *testing.T) {
	r := Result{Unchanged: []string{"a"}, Removed: []string{"x", "y", "z"}}
	assert.Equal(t, 1.0, r.CacheHitRate())
}
