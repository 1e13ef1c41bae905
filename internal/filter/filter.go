// Package filter implements the name/TXT predicate applied to resolved
// service instances, grounded on ServiceDiscoveryFilter::apply in the
// original qtquickvcp ServiceDiscovery component.
package filter

import "path"

// Filter is a predicate over an instance's name and TXT records. Both
// NamePattern and each entry of TXTPatterns are Unix shell-glob patterns
// (matched case-sensitively via path.Match's "*", "?" and "[...]" classes,
// the same wildcard set QRegExp::WildcardUnix supported in the original).
// A zero-value Filter matches everything.
type Filter struct {
	NamePattern string
	TXTPatterns []string
}

// Matches reports whether name and txt satisfy f. An empty NamePattern
// matches any name; an empty TXTPatterns list matches any TXT set.
//
// TXTPatterns are applied left to right as successive narrowing filters
// over txt (mirroring ServiceDiscoveryFilter::apply's QStringList::filter
// chaining): the instance matches only if at least one TXT string survives
// every pattern in sequence. Patterns are ANDed, not each matched against a
// distinct record.
func (f Filter) Matches(name string, txt []string) bool {
	if f.NamePattern != "" {
		ok, err := path.Match(f.NamePattern, name)
		if err != nil || !ok {
			return false
		}
	}
	if len(f.TXTPatterns) == 0 {
		return true
	}
	remaining := txt
	for _, pattern := range f.TXTPatterns {
		remaining = matchAll(pattern, remaining)
		if len(remaining) == 0 {
			return false
		}
	}
	return true
}

// matchAll returns the subset of records that match pattern.
func matchAll(pattern string, records []string) []string {
	var out []string
	for _, r := range records {
		if ok, err := path.Match(pattern, r); err == nil && ok {
			out = append(out, r)
		}
	}
	return out
}

// MatchesBoth reports whether name/txt satisfy both the engine-wide
// primary filter and a per-query secondary filter, the conjunction
// ServiceDiscovery::filterServiceDiscoveryItem applies for every
// non-hostname-resolve UserQuery.
func MatchesBoth(primary, secondary Filter, name string, txt []string) bool {
	return primary.Matches(name, txt) && secondary.Matches(name, txt)
}
