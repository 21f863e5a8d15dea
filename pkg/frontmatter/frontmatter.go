// Package frontmatter splits a note into its YAML-like header and markdown body.
//
// Values are normalised to either a string or a []string; anything else in the
// header (nested maps, nulls) is dropped. Accessors return a typed default when
// the stored shape does not match.
package frontmatter

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Frontmatter maps a header key to a string or []string.
type Frontmatter map[string]interface{}

// Parse returns the header and the body of raw. Content without a complete
// header block is returned whole as the body with an empty Frontmatter.
func Parse(raw string) (Frontmatter, string) {
	content := strings.TrimPrefix(raw, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")

	fm := Frontmatter{}
	if !strings.HasPrefix(content, delimiter+"\n") {
		return fm, content
	}

	rest := content[len(delimiter)+1:]
	header, body, ok := splitClosing(rest)
	if !ok {
		return fm, content
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal([]byte(header), &decoded); err != nil {
		// Hand-written headers are often almost-YAML; fall back to line parsing.
		return parseLines(header), body
	}
	for key, value := range decoded {
		if normalised, ok := normalise(value); ok {
			fm[key] = normalised
		}
	}
	return fm, body
}

// splitClosing finds the closing delimiter line. It accepts "---" and "...".
func splitClosing(rest string) (header, body string, ok bool) {
	if strings.HasPrefix(rest, delimiter+"\n") || rest == delimiter {
		return "", strings.TrimPrefix(strings.TrimPrefix(rest, delimiter), "\n"), true
	}
	offset := 0
	for {
		idx := strings.Index(rest[offset:], "\n")
		if idx == -1 {
			return "", "", false
		}
		lineStart := offset + idx + 1
		lineEnd := strings.Index(rest[lineStart:], "\n")
		var line string
		if lineEnd == -1 {
			line = rest[lineStart:]
		} else {
			line = rest[lineStart : lineStart+lineEnd]
		}
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == delimiter || trimmed == "..." {
			header = rest[:offset+idx]
			if lineEnd == -1 {
				return header, "", true
			}
			return header, rest[lineStart+lineEnd+1:], true
		}
		offset = lineStart
	}
}

func normalise(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch s := item.(type) {
			case nil, map[string]interface{}, []interface{}:
				continue
			default:
				out = append(out, fmt.Sprint(s))
			}
		}
		return out, true
	case map[string]interface{}:
		return nil, false
	default:
		return fmt.Sprint(v), true
	}
}

// parseLines handles "key: value", "key: [a, b]" and "- item" continuation lines.
func parseLines(header string) Frontmatter {
	fm := Frontmatter{}
	var listKey string
	for _, line := range strings.Split(header, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") && listKey != "" {
			list, _ := fm[listKey].([]string)
			fm[listKey] = append(list, unquote(strings.TrimSpace(trimmed[2:])))
			continue
		}
		key, value, found := strings.Cut(trimmed, ":")
		if !found {
			listKey = ""
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case value == "":
			fm[key] = []string{}
			listKey = key
		case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
			fm[key] = splitInlineList(value[1 : len(value)-1])
			listKey = ""
		default:
			fm[key] = unquote(value)
			listKey = ""
		}
	}
	return fm
}

func splitInlineList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if item := unquote(strings.TrimSpace(part)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// String returns the value for key, or def when absent or not a string.
func (f Frontmatter) String(key, def string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return def
}

// Strings returns the value for key as a list. A scalar string becomes a
// one-element list (comma separated values are split).
func (f Frontmatter) Strings(key string) []string {
	switch v := f[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return splitInlineList(v)
	default:
		return nil
	}
}

// Has reports whether key is present with a usable value.
func (f Frontmatter) Has(key string) bool {
	_, ok := f[key]
	return ok
}
