package ttlpolicy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Rule marks every request whose path starts with Prefix as cacheable for TTL.
type Rule struct {
	Prefix string        `yaml:"prefix" toml:"prefix" json:"prefix"`
	TTL    time.Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
}

// Overlap describes two configured prefixes where one is a prefix of the other.
// Paths matching both are governed by the longer one.
type Overlap struct {
	Shorter string
	Longer  string
}

func (o Overlap) String() string {
	return fmt.Sprintf("%q overlaps %q", o.Longer, o.Shorter)
}

// Table is an immutable prefix to TTL lookup table.
type Table struct {
	// sorted by descending prefix length
	rules []Rule
}

// DefaultRules returns the retention table for the game API.
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "/api/get_vip_status", TTL: 5 * time.Hour},
		{Prefix: "/api/statistics", TTL: 5 * time.Hour},
		{Prefix: "/api/sys", TTL: 5 * time.Minute},
	}
}

// New validates the rules and builds a table.
// Duplicate prefixes and non-positive TTLs are rejected.
func New(rules []Rule) (*Table, error) {
	seen := make(map[string]struct{}, len(rules))
	sorted := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Prefix == "" {
			return nil, errors.New("policy rule with empty prefix")
		}
		if rule.TTL <= 0 {
			return nil, fmt.Errorf("policy rule %q: ttl must be > 0, is %s", rule.Prefix, rule.TTL)
		}
		if _, ok := seen[rule.Prefix]; ok {
			return nil, fmt.Errorf("policy rule %q: duplicate prefix", rule.Prefix)
		}
		seen[rule.Prefix] = struct{}{}
		sorted = append(sorted, rule)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})
	return &Table{rules: sorted}, nil
}

// MustNew is like New but panics on invalid rules.
func MustNew(rules []Rule) *Table {
	t, err := New(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Match returns the rule for the given path.
// If several prefixes match, the longest one wins.
// The boolean is false if the path is not cacheable.
func (t *Table) Match(path string) (Rule, bool) {
	for _, rule := range t.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// IsStale reports whether an entry created at createdAt is past the rule's retention at now.
// The entry turns stale exactly at createdAt + TTL.
func IsStale(rule Rule, createdAt, now time.Time) bool {
	return !now.Before(createdAt.Add(rule.TTL))
}

// Expires returns the instant an entry created at createdAt turns stale.
func Expires(rule Rule, createdAt time.Time) time.Time {
	return createdAt.Add(rule.TTL)
}

// Overlaps lists the prefix pairs where a path could match more than one rule.
func (t *Table) Overlaps() []Overlap {
	var overlaps []Overlap
	for i, longer := range t.rules {
		for _, shorter := range t.rules[i+1:] {
			if strings.HasPrefix(longer.Prefix, shorter.Prefix) {
				overlaps = append(overlaps, Overlap{Shorter: shorter.Prefix, Longer: longer.Prefix})
			}
		}
	}
	return overlaps
}

// Rules returns a copy of the rules, longest prefix first.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}
