package extension

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/xkilldash9x/extbridge/internal/urlfilter"
)

// RunAtDocumentEnd is the default injection time of a content script.
const RunAtDocumentEnd = "document_end"

// ContentScript is one content_scripts entry.
type ContentScript struct {
	AllFrames      bool     `json:"all_frames,omitempty"`
	JS             []string `json:"js,omitempty"`
	CSS            []string `json:"css,omitempty"`
	RunAt          string   `json:"run_at,omitempty"`
	Matches        []string `json:"matches"`
	ExcludeMatches []string `json:"exclude_matches,omitempty"`
	IncludeGlobs   []string `json:"include_globs,omitempty"`
	ExcludeGlobs   []string `json:"exclude_globs,omitempty"`

	matches        []*urlfilter.Pattern
	excludeMatches []*urlfilter.Pattern
	includeGlobs   []*regexp.Regexp
	excludeGlobs   []*regexp.Regexp
}

func (c *ContentScript) compile() error {
	if len(c.Matches) == 0 {
		return errors.New("matches is required")
	}
	if c.RunAt == "" {
		c.RunAt = RunAtDocumentEnd
	}
	var err error
	if c.matches, err = urlfilter.ParsePatterns(c.Matches); err != nil {
		return fmt.Errorf("matches: %w", err)
	}
	if c.excludeMatches, err = urlfilter.ParsePatterns(c.ExcludeMatches); err != nil {
		return fmt.Errorf("exclude_matches: %w", err)
	}
	if c.includeGlobs, err = compileGlobs(c.IncludeGlobs); err != nil {
		return fmt.Errorf("include_globs: %w", err)
	}
	if c.excludeGlobs, err = compileGlobs(c.ExcludeGlobs); err != nil {
		return fmt.Errorf("exclude_globs: %w", err)
	}
	return nil
}

func compileGlobs(globs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(globs))
	for _, g := range globs {
		re, err := urlfilter.GlobToRegexp(g)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", g, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// AppliesTo reports whether the script is injected into a frame showing u.
// Exclusions win over inclusions; subframes need all_frames.
func (c *ContentScript) AppliesTo(u *url.URL, isMainFrame bool) bool {
	if u == nil || (!isMainFrame && !c.AllFrames) {
		return false
	}
	if urlfilter.MatchesAny(c.excludeMatches, u) {
		return false
	}
	if !urlfilter.MatchesAny(c.matches, u) {
		return false
	}
	s := u.String()
	if len(c.includeGlobs) > 0 && !anyMatch(c.includeGlobs, s) {
		return false
	}
	return !anyMatch(c.excludeGlobs, s)
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
