package navigator

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/profile"
)

type rule struct {
	semantic string
	pattern  *regexp.Regexp
}

// Classifier maps form labels onto semantic field types.
type Classifier struct {
	rules []rule
}

var defaultPatterns = []struct {
	semantic string
	pattern  string
}{
	{profile.FieldFileUpload, `(?i)\b(resume|cv|curriculum)\b`},
	{profile.FieldEmail, `(?i)e-?mail`},
	{profile.FieldPhone, `(?i)\b(phone|mobile|telephone|tel)\b`},
	{profile.FieldName, `(?i)^\s*(full[ _-]?name|your name|name)\b`},
	{profile.FieldFreeText, `(?i)\b(cover letter|why|tell us|motivation|about you|message)\b`},
}

// NewClassifier builds a classifier. extra maps semantic types to regular
// expressions and is consulted before the built-in patterns.
func NewClassifier(extra map[string][]string) (*Classifier, error) {
	c := &Classifier{}

	types := make([]string, 0, len(extra))
	for t := range extra {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for _, p := range extra[t] {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("field pattern %q for %s: %w", p, t, err)
			}
			c.rules = append(c.rules, rule{semantic: t, pattern: re})
		}
	}

	for _, d := range defaultPatterns {
		c.rules = append(c.rules, rule{semantic: d.semantic, pattern: regexp.MustCompile(d.pattern)})
	}
	return c, nil
}

// Classify returns the semantic type of f, or false when nothing matches.
func (c *Classifier) Classify(f browser.Field) (string, bool) {
	switch f.Type {
	case "file":
		return profile.FieldFileUpload, true
	case "email":
		return profile.FieldEmail, true
	case "tel":
		return profile.FieldPhone, true
	}

	for _, r := range c.rules {
		if r.pattern.MatchString(f.Label) || r.pattern.MatchString(f.Name) {
			if r.semantic == profile.FieldFileUpload && f.Type != "file" {
				continue
			}
			return r.semantic, true
		}
	}

	if f.Type == "textarea" {
		return profile.FieldFreeText, true
	}
	return "", false
}
