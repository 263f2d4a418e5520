// Package security sanitizes user-supplied queries and keeps derived file
// paths inside their base directory.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// MaxQueryLength caps the runes kept from a search query or URL
const MaxQueryLength = 512

// SanitizeQuery strips null bytes and control characters, folds runs of
// whitespace to single spaces and truncates to MaxQueryLength runes.
func SanitizeQuery(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	n := 0
	space := false
	for _, r := range input {
		if n >= MaxQueryLength {
			break
		}
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case r == 0, unicode.IsControl(r):
			continue
		}
		if space {
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// ConfinedPath joins name onto base and rejects results that escape base
func ConfinedPath(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths not allowed")
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Join(cleanBase, name)
	rel, err := filepath.Rel(cleanBase, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected")
	}
	return full, nil
}
