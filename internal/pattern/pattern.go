// Package pattern compiles topic, fact-key, and timer-name glob patterns
// into regular expressions and caches the compiled form.
//
// Two grammars are supported:
//
//   - Topic patterns: dot-delimited segments. "*" matches exactly one
//     segment, "**" matches zero or more segments.
//     "order.*.created" matches "order.eu.created" but not "order.created".
//     "order.**" matches "order", "order.eu", and "order.eu.created".
//   - Key patterns: colon-delimited segments (fact keys, timer names).
//     "*" matches exactly one segment. There is no "**".
//     "customer:*:status" matches "customer:123:status".
//
// Compiled regexes are retained for the life of the process; distinct
// patterns are compiled exactly once. Use ClearCache in tests that
// assert on cache behavior.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Cache holds compiled pattern regexes keyed by grammar and source pattern.
//
// Thread-safety: safe for concurrent use. Reads take the fast path under
// a read lock; compilation upgrades to a write lock.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewCache creates an empty pattern cache.
func NewCache() *Cache {
	return &Cache{compiled: make(map[string]*regexp.Regexp)}
}

// defaultCache backs the package-level Match functions.
var defaultCache = NewCache()

// MatchTopic reports whether topic matches the dot-delimited pattern,
// using the package-level cache.
func MatchTopic(pat, topic string) bool {
	return defaultCache.MatchTopic(pat, topic)
}

// MatchKey reports whether key matches the colon-delimited pattern,
// using the package-level cache.
func MatchKey(pat, key string) bool {
	return defaultCache.MatchKey(pat, key)
}

// ClearCache drops every compiled pattern from the package-level cache.
// Intended for tests.
func ClearCache() {
	defaultCache.Clear()
}

// CacheSize returns the number of compiled patterns in the package-level
// cache. Intended for tests.
func CacheSize() int {
	return defaultCache.Size()
}

// HasWildcard reports whether the pattern contains any glob metacharacter.
// Patterns without wildcards can be matched by direct string equality,
// which the rule indexes exploit.
func HasWildcard(pat string) bool {
	return strings.Contains(pat, "*")
}

// MatchTopic reports whether topic matches the dot-delimited pattern.
// An invalid pattern never matches.
func (c *Cache) MatchTopic(pat, topic string) bool {
	if !HasWildcard(pat) {
		return pat == topic
	}
	re, err := c.compile("topic", pat, '.', true)
	if err != nil {
		return false
	}
	return re.MatchString(topic)
}

// MatchKey reports whether key matches the colon-delimited pattern.
// An invalid pattern never matches.
func (c *Cache) MatchKey(pat, key string) bool {
	if !HasWildcard(pat) {
		return pat == key
	}
	re, err := c.compile("key", pat, ':', false)
	if err != nil {
		return false
	}
	return re.MatchString(key)
}

// Clear drops every compiled pattern.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*regexp.Regexp)
}

// Size returns the number of compiled patterns.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// compile returns the compiled regexp for a pattern, compiling and
// caching it on first use. The grammar prefix keeps topic and key
// patterns with identical text from colliding in the cache.
func (c *Cache) compile(grammar, pat string, delim byte, allowDeep bool) (*regexp.Regexp, error) {
	cacheKey := grammar + "\x00" + pat

	c.mu.RLock()
	re, ok := c.compiled[cacheKey]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	src, err := translate(pat, delim, allowDeep)
	if err != nil {
		return nil, err
	}
	re, err = regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pat, err)
	}

	c.mu.Lock()
	c.compiled[cacheKey] = re
	c.mu.Unlock()

	return re, nil
}

// translate converts a glob pattern into an anchored regexp source string.
//
// Segment grammar:
//   - "*"  -> one segment: [^<delim>]+
//   - "**" -> zero or more segments (topic grammar only)
//   - else -> quoted literal
//
// "**" swallows its adjacent delimiter so that "a.**" matches "a" and
// "**.b" matches "b".
func translate(pat string, delim byte, allowDeep bool) (string, error) {
	d := string(delim)
	segs := strings.Split(pat, d)
	seg1 := `[^` + regexp.QuoteMeta(d) + `]+`
	sep := regexp.QuoteMeta(d)

	var b strings.Builder
	b.WriteString("^")
	needSep := false

	for i, seg := range segs {
		last := i == len(segs)-1
		switch seg {
		case "**":
			if !allowDeep {
				return "", fmt.Errorf("pattern %q: ** is not valid in this grammar", pat)
			}
			switch {
			case last && needSep:
				// trailing **: zero or more additional segments
				b.WriteString(`(?:` + sep + seg1 + `)*`)
			case last:
				// pattern is just "**"
				b.WriteString(`(?:` + seg1 + `(?:` + sep + seg1 + `)*)?`)
			case needSep:
				b.WriteString(`(?:` + sep + seg1 + `)*`)
				// needSep stays true: the next segment supplies its own separator
			default:
				// leading **: each matched segment carries its own trailing separator
				b.WriteString(`(?:` + seg1 + sep + `)*`)
				// needSep stays false
			}
		case "*":
			if needSep {
				b.WriteString(sep)
			}
			b.WriteString(seg1)
			needSep = true
		default:
			if needSep {
				b.WriteString(sep)
			}
			b.WriteString(regexp.QuoteMeta(seg))
			needSep = true
		}
	}

	b.WriteString("$")
	return b.String(), nil
}
