package httpform

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/spigell/job-autopilot/internal/browser"
)

const (
	controlSelector   = "input, textarea, select"
	submitterSelector = `button[type="submit"], input[type="submit"], button:not([type])`
	captchaSelector   = ".g-recaptcha, .h-captcha, .cf-turnstile, [data-sitekey]"
)

var (
	skippedTypes = map[string]bool{
		"hidden": true, "submit": true, "button": true, "reset": true, "image": true,
	}
	nextWords = []string{"next", "continue", "proceed", "save and continue"}
)

type page struct {
	url  *url.URL
	html []byte
	doc  *goquery.Document
}

func parsePage(u *url.URL, body []byte) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &page{url: u, html: body, doc: doc}, nil
}

// applicationForm is the first form with a visible control that is not a
// login form.
func (p *page) applicationForm() *goquery.Selection {
	var found *goquery.Selection
	p.doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		if f.Find(`input[type="password"]`).Length() > 0 {
			return true
		}
		if len(visibleControls(f)) > 0 {
			found = f
			return false
		}
		return true
	})
	return found
}

func (p *page) loginForm() *goquery.Selection {
	f := p.doc.Find(`form:has(input[type="password"])`).First()
	if f.Length() == 0 {
		return nil
	}
	return f
}

func (p *page) hasCaptcha() bool {
	if p.doc.Find(captchaSelector).Length() > 0 {
		return true
	}
	captcha := false
	p.doc.Find("iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		captcha = strings.Contains(strings.ToLower(src), "captcha")
		return !captcha
	})
	return captcha
}

// resolve returns the absolute form action and the HTTP method.
func (p *page) resolve(form *goquery.Selection) (string, string, error) {
	action, _ := form.Attr("action")
	target, err := p.url.Parse(strings.TrimSpace(action))
	if err != nil {
		return "", "", fmt.Errorf("form action %q: %w", action, err)
	}
	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "post")))
	if method != "GET" {
		method = "POST"
	}
	return target.String(), method, nil
}

func controlType(s *goquery.Selection) string {
	switch goquery.NodeName(s) {
	case "textarea":
		return "textarea"
	case "select":
		return "select"
	}
	t := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "text")))
	if t == "" {
		return "text"
	}
	return t
}

func visibleControls(form *goquery.Selection) []browser.Field {
	var fields []browser.Field
	seen := map[string]bool{}
	form.Find(controlSelector).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.AttrOr("name", ""))
		typ := controlType(s)
		if name == "" || skippedTypes[typ] || seen[name] {
			return
		}
		if _, hidden := s.Attr("hidden"); hidden || s.AttrOr("aria-hidden", "") == "true" {
			return
		}
		seen[name] = true

		_, required := s.Attr("required")
		fields = append(fields, browser.Field{
			Name:     name,
			Label:    labelFor(form, s, name),
			Type:     typ,
			Required: required || s.AttrOr("aria-required", "") == "true",
		})
	})
	return fields
}

func labelFor(form, s *goquery.Selection, name string) string {
	if id, ok := s.Attr("id"); ok && id != "" {
		if l := form.Find(fmt.Sprintf(`label[for=%q]`, id)); l.Length() > 0 {
			return cleanLabel(l.First().Text())
		}
	}
	if l := s.Closest("label"); l.Length() > 0 {
		return cleanLabel(l.Text())
	}
	for _, attr := range []string{"aria-label", "placeholder", "title"} {
		if v := cleanLabel(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return name
}

func cleanLabel(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(strings.TrimRight(s, "* :"))
}

func submitter(form *goquery.Selection) (*goquery.Selection, browser.Affordance) {
	s := form.Find(submitterSelector).First()
	if s.Length() == 0 {
		return nil, ""
	}
	text := strings.ToLower(strings.TrimSpace(s.Text() + " " + s.AttrOr("value", "")))
	for _, w := range nextWords {
		if strings.Contains(text, w) {
			return s, browser.AffordanceNext
		}
	}
	return s, browser.AffordanceSubmit
}

// defaults collects the values the form would submit untouched.
func defaults(form *goquery.Selection) map[string][]string {
	values := map[string][]string{}
	form.Find(controlSelector).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.AttrOr("name", ""))
		if name == "" {
			return
		}
		switch typ := controlType(s); typ {
		case "submit", "button", "reset", "image", "file":
		case "checkbox", "radio":
			if _, checked := s.Attr("checked"); checked {
				values[name] = append(values[name], s.AttrOr("value", "on"))
			}
		case "textarea":
			values[name] = append(values[name], s.Text())
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() > 0 {
				values[name] = append(values[name], opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		default:
			values[name] = append(values[name], s.AttrOr("value", ""))
		}
	})
	return values
}
