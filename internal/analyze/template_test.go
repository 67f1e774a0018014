package analyze

import "testing"

func TestDerivePattern(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/world/summit-talks-resume-after-deadlock", "/world/{slug}"},
		{"/news/2026-08-24/cabinet-reshuffle-expected", "/news/{date}/{slug}"},
		{"/2026/08/24/some-long-headline-here", "/{date}/{date}/{date}/{slug}"},
		{"/article/123456", "/article/{id}"},
		{"/en/politics/vote-count-continues", "/{lang}/politics/{slug}"},
		{"/world/summit-talks-resume.html", "/world/{slug}"},
		{"/about", ""},
		{"/contact/", ""},
		{"/", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := DerivePattern(tc.path); got != tc.want {
			t.Errorf("DerivePattern(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"/world/another-long-story-headline", "/world/{slug}", true},
		{"/world/europe", "/world/{slug}", false}, // short literal, not a slug
		{"/news/2026-08-24/more-election-news", "/news/{date}/{slug}", true},
		{"/sport/12345", "/sport/{id}", true},
		{"/sport/12345", "/world/{id}", false},
		{"/world/a/b", "/world/{slug}", false}, // segment count mismatch
		{"/world/long-story-headline-here/", "/world/{slug}", true},
	}
	for _, tc := range cases {
		if got := MatchesPattern(tc.path, tc.pattern); got != tc.want {
			t.Errorf("MatchesPattern(%q, %q) = %v, want %v", tc.path, tc.pattern, got, tc.want)
		}
	}
}

func TestDeriveMatchRoundTrip(t *testing.T) {
	paths := []string{
		"/world/summit-talks-resume-after-deadlock",
		"/news/2026-08-24/cabinet-reshuffle-expected",
		"/article/9001",
	}
	for _, p := range paths {
		pattern := DerivePattern(p)
		if pattern == "" {
			t.Errorf("DerivePattern(%q) returned empty", p)
			continue
		}
		if !MatchesPattern(p, pattern) {
			t.Errorf("path %q does not match its own pattern %q", p, pattern)
		}
	}
}
