package vectorstore

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxFileNameLength = 120

var (
	// recordNamespace seeds the name-based UUIDs used for record file names.
	recordNamespace = uuid.MustParse("6f3c1f0a-4f0e-5b8e-9d3e-2b7a51c0d9a4")

	traversalPattern  = regexp.MustCompile(`\.{2,}`)
	disallowedPattern = regexp.MustCompile(`[^\p{L}\p{N}._ -]`)
	underscoreRun     = regexp.MustCompile(`_{2,}`)
)

// FileName maps a record id to a file name safe to create inside the store
// directory. The readable part is sanitized; a short id hash keeps distinct ids
// that sanitize alike from colliding. An id with no usable characters gets a
// purely hash-derived name.
func FileName(id string) string {
	hash := uuid.NewSHA1(recordNamespace, []byte(id)).String()
	base := sanitizeID(id)
	if base == "" {
		return hash + ".json"
	}
	return base + "-" + hash[:8] + ".json"
}

func sanitizeID(id string) string {
	s := strings.ToValidUTF8(id, "")
	s = strings.TrimSuffix(s, ".md")
	s = traversalPattern.ReplaceAllString(s, "")
	s = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
	s = disallowedPattern.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._ ")
	if utf8.RuneCountInString(s) > maxFileNameLength {
		s = strings.TrimRight(string([]rune(s)[:maxFileNameLength]), "._ ")
	}
	return s
}
