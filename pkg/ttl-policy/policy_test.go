package ttlpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableMatches(t *testing.T) {
	table := MustNew(DefaultRules())

	rule, ok := table.Match("/api/statistics")
	require.True(t, ok)
	assert.Equal(t, 5*time.Hour, rule.TTL)

	rule, ok = table.Match("/api/get_vip_status/123")
	require.True(t, ok)
	assert.Equal(t, 5*time.Hour, rule.TTL)

	rule, ok = table.Match("/api/sys")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, rule.TTL)

	_, ok = table.Match("/api/user/login")
	assert.False(t, ok)
	_, ok = table.Match("/")
	assert.False(t, ok)
}

func TestLongestPrefixWins(t *testing.T) {
	table := MustNew([]Rule{
		{Prefix: "/api", TTL: time.Minute},
		{Prefix: "/api/sys/long", TTL: time.Hour},
		{Prefix: "/api/sys", TTL: time.Second},
	})

	rule, ok := table.Match("/api/sys/long/x")
	require.True(t, ok)
	assert.Equal(t, "/api/sys/long", rule.Prefix)

	rule, ok = table.Match("/api/sys/other")
	require.True(t, ok)
	assert.Equal(t, "/api/sys", rule.Prefix)

	rule, ok = table.Match("/api/foo")
	require.True(t, ok)
	assert.Equal(t, "/api", rule.Prefix)

	assert.ElementsMatch(t, []Overlap{
		{Shorter: "/api/sys", Longer: "/api/sys/long"},
		{Shorter: "/api", Longer: "/api/sys/long"},
		{Shorter: "/api", Longer: "/api/sys"},
	}, table.Overlaps())
}

func TestDefaultTableHasNoOverlaps(t *testing.T) {
	assert.Empty(t, MustNew(DefaultRules()).Overlaps())
}

func TestInvalidRules(t *testing.T) {
	_, err := New([]Rule{{Prefix: "", TTL: time.Second}})
	assert.Error(t, err)
	_, err = New([]Rule{{Prefix: "/a", TTL: 0}})
	assert.Error(t, err)
	_, err = New([]Rule{{Prefix: "/a", TTL: time.Second}, {Prefix: "/a", TTL: time.Minute}})
	assert.Error(t, err)
}

func TestIsStaleBoundary(t *testing.T) {
	rule, ok := MustNew(DefaultRules()).Match("/api/sys")
	require.True(t, ok)

	created := time.UnixMilli(1_700_000_000_000)
	boundary := created.Add(5 * 60 * 1000 * time.Millisecond)

	assert.False(t, IsStale(rule, created, created))
	assert.False(t, IsStale(rule, created, boundary.Add(-time.Millisecond)))
	assert.True(t, IsStale(rule, created, boundary))
	assert.True(t, IsStale(rule, created, boundary.Add(time.Millisecond)))
	assert.Equal(t, boundary, Expires(rule, created))
}
