package compliance

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rules is the externally configurable policy. Zero values fall back to defaults.
type Rules struct {
	ForbiddenPhrases []string          `yaml:"forbidden_phrases" json:"forbiddenPhrases"`
	PIIPatterns      map[string]string `yaml:"pii_patterns" json:"piiPatterns"`
	// DisclosureQualifiers must appear alongside an "AI" token.
	DisclosureQualifiers []string `yaml:"disclosure_qualifiers" json:"disclosureQualifiers"`
}

func DefaultRules() Rules {
	return Rules{
		ForbiddenPhrases: []string{
			"guaranteed return",
			"guaranteed returns",
			"risk-free",
			"risk free",
			"act now",
			"limited time offer",
			"100% guaranteed",
			"double your money",
			"no risk",
			"you will make",
		},
		PIIPatterns: map[string]string{
			"credit_card": `\b(?:\d{4}[ -]?){3}\d{4}\b`,
			"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
			"email":       `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		},
		DisclosureQualifiers: []string{"pilot", "automated"},
	}
}

type Result struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
	Reasoning  string   `json:"reasoning"`
}

type piiRule struct {
	name string
	re   *regexp.Regexp
}

// Checker is immutable after construction and safe for concurrent use.
type Checker struct {
	phrases    []string
	pii        []piiRule
	qualifiers []string
}

var aiToken = regexp.MustCompile(`(?i)\bai\b`)

func New(r Rules) (*Checker, error) {
	def := DefaultRules()
	if len(r.ForbiddenPhrases) == 0 {
		r.ForbiddenPhrases = def.ForbiddenPhrases
	}
	if len(r.PIIPatterns) == 0 {
		r.PIIPatterns = def.PIIPatterns
	}
	if len(r.DisclosureQualifiers) == 0 {
		r.DisclosureQualifiers = def.DisclosureQualifiers
	}

	c := &Checker{}
	seen := make(map[string]bool, len(r.ForbiddenPhrases))
	for _, p := range r.ForbiddenPhrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !seen[p] {
			seen[p] = true
			c.phrases = append(c.phrases, p)
		}
	}
	for _, q := range r.DisclosureQualifiers {
		q = strings.ToLower(strings.TrimSpace(q))
		if q != "" {
			c.qualifiers = append(c.qualifiers, q)
		}
	}

	names := make([]string, 0, len(r.PIIPatterns))
	for name := range r.PIIPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		re, err := regexp.Compile(r.PIIPatterns[name])
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", name, err)
		}
		c.pii = append(c.pii, piiRule{name: name, re: re})
	}
	return c, nil
}

// MustDefault returns a Checker with the built-in rules.
func MustDefault() *Checker {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Check scans text and reports every violation. It has no side effects.
func (c *Checker) Check(text string) Result {
	lower := strings.ToLower(text)
	violations := []string{}

	for _, p := range c.matchPhrases(lower) {
		violations = append(violations, fmt.Sprintf("forbidden phrase: %q", p))
	}

	for _, rule := range c.pii {
		if rule.re.MatchString(text) {
			violations = append(violations, "pii detected: "+rule.name)
		}
	}

	if !c.hasDisclosure(text, lower) {
		violations = append(violations, "missing AI disclosure: text must identify itself as an AI pilot or automated message")
	}

	res := Result{Passed: len(violations) == 0, Violations: violations}
	if res.Passed {
		res.Reasoning = "content passed compliance checks"
	} else {
		res.Reasoning = fmt.Sprintf("%d compliance violation(s): %s", len(violations), strings.Join(violations, "; "))
	}
	return res
}

type span struct{ start, end int }

func occurrences(s, sub string) []span {
	var out []span
	for off := 0; ; {
		i := strings.Index(s[off:], sub)
		if i < 0 {
			return out
		}
		out = append(out, span{off + i, off + i + len(sub)})
		off += i + 1
	}
}

// matchPhrases reports each configured phrase found in lower, except phrases
// whose every occurrence sits inside a longer matched phrase.
func (c *Checker) matchPhrases(lower string) []string {
	found := make([][]span, len(c.phrases))
	for i, p := range c.phrases {
		found[i] = occurrences(lower, p)
	}

	var out []string
	for i, p := range c.phrases {
		if len(found[i]) == 0 {
			continue
		}
		for _, sp := range found[i] {
			if !coveredByLonger(sp, i, c.phrases, found) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func coveredByLonger(sp span, self int, phrases []string, found [][]span) bool {
	for j, spans := range found {
		if j == self || len(phrases[j]) <= len(phrases[self]) {
			continue
		}
		for _, o := range spans {
			if o.start <= sp.start && sp.end <= o.end {
				return true
			}
		}
	}
	return false
}

func (c *Checker) hasDisclosure(text, lower string) bool {
	if !aiToken.MatchString(text) {
		return false
	}
	for _, q := range c.qualifiers {
		if strings.Contains(lower, q) {
			return true
		}
	}
	return false
}

// CheckHTML reduces an HTML draft to its visible text before scanning.
func (c *Checker) CheckHTML(html string) (Result, error) {
	text, err := VisibleText(html)
	if err != nil {
		return Result{}, err
	}
	return c.Check(text), nil
}

func VisibleText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, head").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}

// LooksLikeHTML is a cheap sniff used to pick between Check and CheckHTML.
func LooksLikeHTML(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(t, "<!doctype") || strings.HasPrefix(t, "<html") ||
		strings.Contains(t, "</p>") || strings.Contains(t, "<br") || strings.Contains(t, "</div>")
}
