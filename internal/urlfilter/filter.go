package urlfilter

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Condition is one webNavigation URL filter. Every criterion that is set must
// hold for the condition to match.
type Condition struct {
	HostContains         string   `json:"hostContains,omitempty"`
	HostEquals           string   `json:"hostEquals,omitempty"`
	HostPrefix           string   `json:"hostPrefix,omitempty"`
	HostSuffix           string   `json:"hostSuffix,omitempty"`
	PathContains         string   `json:"pathContains,omitempty"`
	PathEquals           string   `json:"pathEquals,omitempty"`
	PathPrefix           string   `json:"pathPrefix,omitempty"`
	PathSuffix           string   `json:"pathSuffix,omitempty"`
	QueryContains        string   `json:"queryContains,omitempty"`
	QueryEquals          string   `json:"queryEquals,omitempty"`
	QueryPrefix          string   `json:"queryPrefix,omitempty"`
	QuerySuffix          string   `json:"querySuffix,omitempty"`
	URLContains          string   `json:"urlContains,omitempty"`
	URLEquals            string   `json:"urlEquals,omitempty"`
	URLMatches           string   `json:"urlMatches,omitempty"`
	OriginAndPathMatches string   `json:"originAndPathMatches,omitempty"`
	URLPrefix            string   `json:"urlPrefix,omitempty"`
	URLSuffix            string   `json:"urlSuffix,omitempty"`
	Schemes              []string `json:"schemes,omitempty"`
	Ports                []any    `json:"ports,omitempty"`

	urlRe    *regexp.Regexp
	originRe *regexp.Regexp
	ports    []portRange
}

type portRange struct{ lo, hi int }

// ParseConditions decodes the "url" array of a webNavigation listener
// registration. A nil value yields no conditions.
func ParseConditions(raw any) ([]*Condition, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("url filter: %w", err)
	}
	var conds []*Condition
	if err := json.Unmarshal(b, &conds); err != nil {
		return nil, fmt.Errorf("url filter must be an array of objects: %w", err)
	}
	for i, c := range conds {
		if err := c.compile(); err != nil {
			return nil, fmt.Errorf("url filter %d: %w", i, err)
		}
	}
	return conds, nil
}

func (c *Condition) compile() error {
	var err error
	if c.URLMatches != "" {
		if c.urlRe, err = regexp.Compile(c.URLMatches); err != nil {
			return fmt.Errorf("urlMatches: %w", err)
		}
	}
	if c.OriginAndPathMatches != "" {
		if c.originRe, err = regexp.Compile(c.OriginAndPathMatches); err != nil {
			return fmt.Errorf("originAndPathMatches: %w", err)
		}
	}
	for _, p := range c.Ports {
		switch v := p.(type) {
		case float64:
			c.ports = append(c.ports, portRange{int(v), int(v)})
		case []any:
			if len(v) != 2 {
				return fmt.Errorf("port range must have two elements")
			}
			lo, ok1 := v[0].(float64)
			hi, ok2 := v[1].(float64)
			if !ok1 || !ok2 {
				return fmt.Errorf("port range bounds must be numbers")
			}
			c.ports = append(c.ports, portRange{int(lo), int(hi)})
		default:
			return fmt.Errorf("unsupported port entry %v", p)
		}
	}
	return nil
}

// Matches reports whether u satisfies every criterion of c.
func (c *Condition) Matches(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := canonicalHost(u.Hostname())
	path := u.EscapedPath()
	query := u.RawQuery
	full := u.String()
	noQuery := *u
	noQuery.RawQuery, noQuery.Fragment = "", ""

	checks := []struct {
		want string
		ok   func(string) bool
	}{
		{c.HostContains, func(w string) bool { return strings.Contains("."+host, strings.ToLower(w)) }},
		{c.HostEquals, func(w string) bool { return host == canonicalHost(w) }},
		{c.HostPrefix, func(w string) bool { return strings.HasPrefix(host, strings.ToLower(w)) }},
		{c.HostSuffix, func(w string) bool { return strings.HasSuffix(host, strings.ToLower(w)) }},
		{c.PathContains, func(w string) bool { return strings.Contains(path, w) }},
		{c.PathEquals, func(w string) bool { return path == w }},
		{c.PathPrefix, func(w string) bool { return strings.HasPrefix(path, w) }},
		{c.PathSuffix, func(w string) bool { return strings.HasSuffix(path, w) }},
		{c.QueryContains, func(w string) bool { return strings.Contains(query, w) }},
		{c.QueryEquals, func(w string) bool { return query == w }},
		{c.QueryPrefix, func(w string) bool { return strings.HasPrefix(query, w) }},
		{c.QuerySuffix, func(w string) bool { return strings.HasSuffix(query, w) }},
		{c.URLContains, func(w string) bool { return strings.Contains(full, w) }},
		{c.URLEquals, func(w string) bool { return full == w }},
		{c.URLPrefix, func(w string) bool { return strings.HasPrefix(full, w) }},
		{c.URLSuffix, func(w string) bool { return strings.HasSuffix(full, w) }},
	}
	for _, chk := range checks {
		if chk.want != "" && !chk.ok(chk.want) {
			return false
		}
	}

	if c.urlRe != nil && !c.urlRe.MatchString(full) {
		return false
	}
	if c.originRe != nil && !c.originRe.MatchString(noQuery.String()) {
		return false
	}
	if len(c.Schemes) > 0 && !contains(c.Schemes, u.Scheme) {
		return false
	}
	if len(c.ports) > 0 && !c.portMatches(u) {
		return false
	}
	return true
}

func (c *Condition) portMatches(u *url.URL) bool {
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		switch u.Scheme {
		case "http", "ws":
			port = 80
		case "https", "wss":
			port = 443
		case "ftp":
			port = 21
		default:
			return false
		}
	}
	for _, r := range c.ports {
		if port >= r.lo && port <= r.hi {
			return true
		}
	}
	return false
}

// AnyMatches ORs the conditions. An empty list matches every URL.
func AnyMatches(conds []*Condition, u *url.URL) bool {
	if len(conds) == 0 {
		return true
	}
	for _, c := range conds {
		if c.Matches(u) {
			return true
		}
	}
	return false
}

// RequestFilter is the filter argument of a webRequest listener.
type RequestFilter struct {
	URLs  []*Pattern
	Types []string
}

// ParseRequestFilter decodes {urls: [...], types: [...]}.
func ParseRequestFilter(raw any) (*RequestFilter, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("request filter: %w", err)
	}
	var spec struct {
		URLs  []string `json:"urls"`
		Types []string `json:"types"`
	}
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("request filter must be an object: %w", err)
	}
	urls, err := ParsePatterns(spec.URLs)
	if err != nil {
		return nil, err
	}
	return &RequestFilter{URLs: urls, Types: spec.Types}, nil
}

// Matches reports whether a request for u of the given resource type passes
// the filter. Empty url or type lists do not restrict.
func (f *RequestFilter) Matches(u *url.URL, resourceType string) bool {
	if f == nil {
		return true
	}
	if len(f.URLs) > 0 && !MatchesAny(f.URLs, u) {
		return false
	}
	if len(f.Types) > 0 && resourceType != "" && !contains(f.Types, resourceType) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
