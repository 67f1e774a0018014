package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/newsfleet/drover/internal/types"
)

func TestNormalize(t *testing.T) {
	keep := []string{"page", "p", "offset"}

	cases := []struct {
		in   string
		want string
	}{
		{"https://Example.COM/World/", "https://example.com/World"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://example.com/a#comments", "https://example.com/a"},
		{"https://example.com", "https://example.com/"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/list?utm_source=tw&page=2", "https://example.com/list?page=2"},
		{"https://example.com/list?b=1&page=2&offset=40", "https://example.com/list?offset=40&page=2"},
		{"https://example.com/list?utm_source=tw", "https://example.com/list"},
		{"  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in, keep)
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{
		"ftp://example.com/file",
		"mailto:tips@example.com",
		"javascript:void(0)",
		"/relative/only",
		"://bad",
		"",
	} {
		_, err := Normalize(in, nil)
		assert.ErrorIs(t, err, types.ErrInvalidURL, in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	keep := []string{"page"}
	urls := []string{
		"https://Example.com:443/World/?page=3&utm_medium=x#top",
		"http://example.com/a",
	}
	for _, raw := range urls {
		once, err := Normalize(raw, keep)
		assert.NoError(t, err)
		twice, err := Normalize(once, keep)
		assert.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestInScope(t *testing.T) {
	assert.True(t, InScope("https://example.com/a", "example.com"))
	assert.True(t, InScope("https://www.example.com/a", "example.com"))
	assert.True(t, InScope("https://news.example.com/a", "Example.com"))
	assert.False(t, InScope("https://example.org/a", "example.com"))
	assert.False(t, InScope("https://notexample.com/a", "example.com"))
	assert.False(t, InScope("https://example.com.evil.net/a", "example.com"))
}
