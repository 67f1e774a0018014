package analyze

import (
	"regexp"
	"strings"
)

// Placeholder names used in derived patterns.
const (
	phSlug = "{slug}"
	phID   = "{id}"
	phDate = "{date}"
	phLang = "{lang}"
)

var (
	reNumeric  = regexp.MustCompile(`^\d+$`)
	reISODate  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reYear     = regexp.MustCompile(`^(19|20)\d{2}$`)
	reMonthDay = regexp.MustCompile(`^(0?[1-9]|[12]\d|3[01])$`)
)

// ISO 639-1 codes seen in news URL prefixes.
var langCodes = map[string]bool{
	"en": true, "fr": true, "de": true, "es": true, "it": true, "pt": true,
	"nl": true, "ru": true, "ar": true, "zh": true, "ja": true, "ko": true,
	"pl": true, "tr": true, "sv": true, "no": true, "da": true, "fi": true,
}

// DerivePattern replaces typed path segments with placeholders, producing a
// candidate template like "/world/{slug}" or "/{lang}/news/{date}/{id}".
// Returns "" when no segment generalizes (the path is all literals).
func DerivePattern(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" || path == "/" {
		return ""
	}

	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	generalized := false
	prevWasDate := false

	for i, seg := range segments {
		typed := typeSegment(seg, i, prevWasDate)
		prevWasDate = typed == phDate
		if typed != seg {
			segments[i] = typed
			generalized = true
		}
	}
	if !generalized {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

// typeSegment maps one path segment to a placeholder, or returns it
// unchanged when it looks like a literal section name.
func typeSegment(seg string, index int, prevWasDate bool) string {
	if seg == "" {
		return seg
	}

	// File extensions hide slugs: "summit-talks-resume.html".
	base := seg
	if dot := strings.LastIndexByte(seg, '.'); dot > 0 {
		base = seg[:dot]
	}

	switch {
	case reISODate.MatchString(base):
		return phDate
	case reYear.MatchString(base):
		return phDate
	case prevWasDate && reMonthDay.MatchString(base):
		// Month/day segments directly after a year: /2026/08/24/...
		return phDate
	case reNumeric.MatchString(base):
		return phID
	case index == 0 && langCodes[strings.ToLower(base)]:
		return phLang
	case looksLikeSlug(base):
		return phSlug
	}
	return seg
}

// looksLikeSlug accepts hyphenated or long lowercase tokens; short plain
// words are section literals.
func looksLikeSlug(seg string) bool {
	if strings.Count(seg, "-") >= 2 {
		return true
	}
	if strings.Contains(seg, "-") && len(seg) >= 8 {
		return true
	}
	return len(seg) >= 24
}

// MatchesPattern reports whether a concrete path instantiates a pattern.
// Literal segments must match exactly; placeholders must match their type.
func MatchesPattern(path, pattern string) bool {
	path = strings.TrimSuffix(path, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	pathSegs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	patSegs := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	if len(pathSegs) != len(patSegs) {
		return false
	}

	prevWasDate := false
	for i, pat := range patSegs {
		seg := pathSegs[i]
		switch pat {
		case phSlug, phID, phDate, phLang:
			typed := typeSegment(seg, i, prevWasDate)
			if typed != pat {
				return false
			}
			prevWasDate = typed == phDate
		default:
			if seg != pat {
				return false
			}
			prevWasDate = false
		}
	}
	return true
}
