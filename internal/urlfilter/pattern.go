// Package urlfilter implements the URL matching vocabularies extensions use:
// manifest match patterns, content script globs, webNavigation URL filters
// and webRequest request filters.
package urlfilter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// AllURLs is the special pattern matching every supported scheme.
const AllURLs = "<all_urls>"

var allURLSchemes = map[string]bool{"http": true, "https": true, "file": true, "ftp": true, "ws": true, "wss": true}

// Pattern is a compiled match pattern such as "*://*.example.com/path*".
type Pattern struct {
	raw        string
	all        bool
	scheme     string
	host       string
	subdomains bool
	path       *regexp.Regexp
}

// ParsePattern compiles a match pattern.
func ParsePattern(s string) (*Pattern, error) {
	if s == AllURLs {
		return &Pattern{raw: s, all: true}, nil
	}
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("match pattern %q: missing scheme separator", s)
	}
	if scheme != "*" && !allURLSchemes[scheme] {
		return nil, fmt.Errorf("match pattern %q: unsupported scheme %q", s, scheme)
	}

	host, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, path = rest[:i], rest[i:]
	} else if scheme != "file" {
		return nil, fmt.Errorf("match pattern %q: missing path", s)
	}

	p := &Pattern{raw: s, scheme: scheme}
	switch {
	case host == "*":
		p.subdomains = true
	case strings.HasPrefix(host, "*."):
		p.subdomains = true
		p.host = canonicalHost(host[2:])
	case strings.Contains(host, "*"):
		return nil, fmt.Errorf("match pattern %q: '*' in host must be followed by '.' or be the whole host", s)
	default:
		p.host = canonicalHost(host)
	}
	if p.host == "" && !p.subdomains && scheme != "file" {
		return nil, fmt.Errorf("match pattern %q: empty host", s)
	}

	re, err := GlobToRegexp(path)
	if err != nil {
		return nil, fmt.Errorf("match pattern %q: %w", s, err)
	}
	p.path = re
	return p, nil
}

// MustParsePattern is ParsePattern for patterns known at compile time.
func MustParsePattern(s string) *Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pattern) String() string { return p.raw }

// Matches reports whether u is covered by the pattern.
func (p *Pattern) Matches(u *url.URL) bool {
	if u == nil {
		return false
	}
	if p.all {
		return allURLSchemes[u.Scheme]
	}
	switch p.scheme {
	case "*":
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
	default:
		if u.Scheme != p.scheme {
			return false
		}
	}

	host := canonicalHost(u.Hostname())
	if p.host != "" {
		if host != p.host && !(p.subdomains && strings.HasSuffix(host, "."+p.host)) {
			return false
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return p.path.MatchString(path)
}

// MatchesAny reports whether any of patterns matches u.
func MatchesAny(patterns []*Pattern, u *url.URL) bool {
	for _, p := range patterns {
		if p.Matches(u) {
			return true
		}
	}
	return false
}

// ParsePatterns compiles a list of match patterns, failing on the first bad one.
func ParsePatterns(raw []string) ([]*Pattern, error) {
	out := make([]*Pattern, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// GlobToRegexp compiles a glob where '*' matches any run of characters and
// '?' matches exactly one. The glob is anchored at both ends.
func GlobToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// canonicalHost lowercases and punycode-encodes a host so IDN and ASCII
// spellings compare equal.
func canonicalHost(h string) string {
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		return ascii
	}
	return h
}
