package indexer

import (
	"regexp"
	"strings"
	"time"

	"ai-coach-context/internal/vault"
	"ai-coach-context/internal/vectorstore"
	"ai-coach-context/pkg/frontmatter"
	"ai-coach-context/pkg/notetext"
)

var datePrefix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})`)

// DateFromName returns the YYYY-MM-DD prefix of a note's file name.
func DateFromName(p string) (time.Time, bool) {
	m := datePrefix.FindStringSubmatch(notetext.BaseName(p))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02", m[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// BuildMetadata derives the stored snapshot of a note from its raw content.
func BuildMetadata(file vault.File, raw string, cfg Config) vectorstore.Metadata {
	fm, body := frontmatter.Parse(raw)

	title := strings.TrimSpace(fm.String("title", ""))
	if title == "" {
		title = notetext.Title(body, file.Path)
	}

	date := strings.TrimSpace(fm.String("date", ""))
	if date == "" {
		if t, ok := DateFromName(file.Path); ok {
			date = t.Format("2006-01-02")
		} else if !file.ModTime.IsZero() {
			date = file.ModTime.Format("2006-01-02")
		}
	}

	noteType := vectorstore.TypeSession
	if vault.InFolder(file.Path, cfg.EntitiesFolder) {
		noteType = vectorstore.TypeEntity
	}

	return vectorstore.Metadata{
		Path:     file.Path,
		Title:    title,
		Date:     date,
		Summary:  notetext.Summary(body, cfg.SummaryMaxLength),
		Tags:     notetext.MergeTags(fm.Strings("tags"), notetext.InlineTags(body)),
		Category: fm.String("category", cfg.DefaultCategory),
		Type:     noteType,
	}
}

// EmbeddingText is the provider input for a note.
func EmbeddingText(meta vectorstore.Metadata) string {
	parts := []string{meta.Title, meta.Summary}
	if len(meta.Tags) > 0 {
		parts = append(parts, strings.Join(meta.Tags, " "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
