// Package notetext derives titles, summaries and tags from markdown note bodies.
package notetext

import (
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultSummaryLabels are the heading labels recognised as a summary section,
// one per supported note language.
var DefaultSummaryLabels = []string{
	"summary",
	"요약",
	"要約",
	"摘要",
	"总结",
	"zusammenfassung",
	"résumé",
	"resumen",
	"riepilogo",
	"resumo",
}

var (
	markdown = goldmark.New()

	// #tag with letters (any script, CJK included), digits, '_', '-' and '/'.
	inlineTagPattern = regexp.MustCompile(`(?:^|[\s(\[,;])#([\p{L}\p{N}_\-/]+)`)
	wikiLinkPattern  = regexp.MustCompile(`\[\[([^\[\]|#]+)(?:[#|]([^\[\]]*))?\]\]`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

func parse(body string) (ast.Node, []byte) {
	src := []byte(body)
	return markdown.Parser().Parse(text.NewReader(src)), src
}

// Title returns the text of the first level-1 heading, or the file name
// without its extension.
func Title(body, filePath string) string {
	doc, src := parse(body)
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			if t := strings.TrimSpace(inlineText(h, src)); t != "" {
				return t
			}
		}
	}
	return BaseName(filePath)
}

// BaseName strips directories and the extension from a vault path.
func BaseName(filePath string) string {
	base := path.Base(filePath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Summary renders body as plain text with headings, HTML and code removed,
// whitespace collapsed, and truncated to maxLen characters.
func Summary(body string, maxLen int) string {
	doc, src := parse(body)
	var parts []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if _, ok := n.(*ast.Heading); ok {
			continue
		}
		if t := strings.TrimSpace(inlineText(n, src)); t != "" {
			parts = append(parts, t)
		}
	}
	return Truncate(clean(strings.Join(parts, " ")), maxLen)
}

// SummarySection returns the text under the first heading whose label is in
// labels (case-insensitive, trailing colon ignored), up to the next heading of
// the same or a higher level.
func SummarySection(body string, labels []string) (string, bool) {
	doc, src := parse(body)
	level := 0
	var parts []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, isHeading := n.(*ast.Heading)
		if level == 0 {
			if isHeading && matchesLabel(inlineText(h, src), labels) {
				level = h.Level
			}
			continue
		}
		if isHeading && h.Level <= level {
			break
		}
		if isHeading {
			continue
		}
		if t := strings.TrimSpace(inlineText(n, src)); t != "" {
			parts = append(parts, t)
		}
	}
	if level == 0 {
		return "", false
	}
	section := clean(strings.Join(parts, " "))
	return section, section != ""
}

func matchesLabel(heading string, labels []string) bool {
	h := strings.ToLower(strings.TrimSpace(heading))
	h = strings.TrimRight(h, ":：")
	h = strings.TrimSpace(h)
	for _, label := range labels {
		if h == strings.ToLower(label) {
			return true
		}
	}
	return false
}

// InlineTags returns the distinct #tags found in body, without the leading '#'.
// Purely numeric tokens ("#1") are not tags.
func InlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagPattern.FindAllStringSubmatch(body, -1) {
		tag := strings.Trim(m[1], "/")
		if tag == "" || isNumeric(tag) {
			continue
		}
		tags = append(tags, tag)
	}
	return MergeTags(tags)
}

// MergeTags unions tag lists preserving first-seen order; comparison is
// case-insensitive and ignores a leading '#'.
func MergeTags(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, list := range lists {
		for _, tag := range list {
			tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, tag)
		}
	}
	return out
}

// WikiLinks returns link targets of [[Target]], [[Target|alias]] and
// [[Target#heading]] in order of appearance, scanning at most maxMatches links.
func WikiLinks(s string, maxMatches int) []string {
	if maxMatches <= 0 {
		maxMatches = -1
	}
	var out []string
	for _, m := range wikiLinkPattern.FindAllStringSubmatch(s, maxMatches) {
		if target := strings.TrimSpace(m[1]); target != "" {
			out = append(out, target)
		}
	}
	return out
}

// Truncate cuts s to at most maxLen runes.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxLen]))
}

func clean(s string) string {
	s = wikiLinkPattern.ReplaceAllStringFunc(s, func(link string) string {
		m := wikiLinkPattern.FindStringSubmatch(link)
		if len(m) > 2 && m[2] != "" && strings.Contains(link, "|") {
			return m[2]
		}
		return m[1]
	})
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// inlineText concatenates the text leaves under n. Raw HTML, code blocks and
// autolinks carry no text children and so drop out.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if c.Type() == ast.TypeBlock && c != n {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
