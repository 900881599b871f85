// Package matcher compiles search strings into item predicates.
//
// A query is a whitespace-separated list of terms. A plain term matches when the item's name or
// any of its tags contains it (case-insensitive). A term starting with the tag symbol (default
// "#") matches only an exact tag. A leading "!" negates a term. An item matches when every
// positive term matches and no negated term does; the empty query matches everything.
package matcher

import "strings"

const DefaultTagSymbol = "#"

// Subject is anything with a display name and a tag set.
type Subject interface {
	MatchName() string
	MatchTags() []string
}

type term struct {
	text   string
	tag    bool
	negate bool
}

type Predicate struct {
	query string
	terms []term
}

// Compile parses query in a single pass over its fields.
func Compile(query, tagSymbol string) Predicate {
	if tagSymbol == "" {
		tagSymbol = DefaultTagSymbol
	}
	p := Predicate{query: query}
	for _, f := range strings.Fields(query) {
		t := term{}
		if rest, ok := strings.CutPrefix(f, "!"); ok {
			t.negate = true
			f = rest
		}
		if rest, ok := strings.CutPrefix(f, tagSymbol); ok {
			t.tag = true
			f = rest
		}
		if f == "" {
			continue
		}
		t.text = strings.ToLower(f)
		p.terms = append(p.terms, t)
	}
	return p
}

func (p Predicate) Query() string { return p.query }

// Empty reports whether p accepts every item.
func (p Predicate) Empty() bool { return len(p.terms) == 0 }

func (p Predicate) Match(s Subject) bool {
	if len(p.terms) == 0 {
		return true
	}
	name := ""
	nameLowered := false
	for _, t := range p.terms {
		var hit bool
		if t.tag {
			hit = hasTag(s.MatchTags(), t.text)
		} else {
			if !nameLowered {
				name = strings.ToLower(s.MatchName())
				nameLowered = true
			}
			hit = strings.Contains(name, t.text) || tagContains(s.MatchTags(), t.text)
		}
		if hit == t.negate {
			return false
		}
	}
	return true
}

func Matches(p Predicate, s Subject) bool { return p.Match(s) }

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}

func tagContains(tags []string, sub string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag), sub) {
			return true
		}
	}
	return false
}
