// Package segment matches request contexts against audience predicates.
package segment

import (
	"regexp"
	"strings"
	"sync"

	v1 "rollgate/pkg/api/v1"
)

var globs sync.Map // pattern -> *regexp.Regexp

// Matches reports whether ctx satisfies every populated field of rule.If.
// Values inside one field are alternatives. An empty predicate always matches.
func Matches(ctx v1.Context, rule v1.SegmentRule) bool {
	p := rule.If
	if len(p.Tenant) > 0 && !contains(p.Tenant, ctx.Tenant) {
		return false
	}
	if len(p.Locale) > 0 && !contains(p.Locale, ctx.Locale) {
		return false
	}
	if len(p.Path) > 0 && !anyGlob(p.Path, ctx.Path) {
		return false
	}
	if len(p.UAIncludes) > 0 && !anySubstring(p.UAIncludes, ctx.UserAgent) {
		return false
	}
	return true
}

// First returns the index of the first rule matching ctx, or -1.
func First(ctx v1.Context, rules []v1.SegmentRule) int {
	for i := range rules {
		if Matches(ctx, rules[i]) {
			return i
		}
	}
	return -1
}

func contains(values []string, v string) bool {
	if v == "" {
		return false
	}
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}

func anySubstring(needles []string, haystack string) bool {
	if haystack == "" {
		return false
	}
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func anyGlob(patterns []string, value string) bool {
	for _, p := range patterns {
		if Glob(p).MatchString(value) {
			return true
		}
	}
	return false
}

// Glob compiles a path glob: "*" matches any run of characters, "?" one
// character, everything else literally. The result is anchored.
func Glob(pattern string) *regexp.Regexp {
	if re, ok := globs.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	re := regexp.MustCompile(b.String())
	actual, _ := globs.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}
