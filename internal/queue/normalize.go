package queue

import (
	"net/url"
	"strings"

	"github.com/newsfleet/drover/internal/types"
)

// Normalize canonicalizes a URL for dedup: lowercase scheme and host,
// default ports stripped, fragment dropped, trailing slash trimmed, and
// query reduced to the allowlisted pagination params (sorted).
func Normalize(raw string, keepParams []string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", types.ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", types.ErrInvalidURL
	}
	if u.Host == "" {
		return "", types.ErrInvalidURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if u.RawQuery != "" {
		kept := url.Values{}
		q := u.Query()
		for _, k := range keepParams {
			if vs, ok := q[k]; ok {
				kept[k] = vs
			}
		}
		u.RawQuery = kept.Encode() // Encode sorts keys
	}

	return u.String(), nil
}

// InScope reports whether a normalized URL's host is the target domain or
// one of its subdomains.
func InScope(normalized, domain string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
