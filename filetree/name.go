package filetree

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxNameBytes is the maximum plaintext name length. ValidateName enforces
// it on decrypted names: lazy.View.Name applies it, and validate reports a
// longer name as FileNameTooLong. Mutator's Create and Rename take names
// already encrypted and do not check their length.
const MaxNameBytes = 255

// ValidateName normalizes and checks a decrypted plaintext name. It returns
// the normalized name, or an error wrapping ErrNameTooLong/ErrInvalidName.
func ValidateName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("filetree.ValidateName: %w", ErrInvalidName)
	}
	normalized := norm.NFC.String(name)
	if strings.ContainsRune(normalized, '/') || strings.ContainsRune(normalized, 0) {
		return "", fmt.Errorf("filetree.ValidateName: %w", ErrInvalidName)
	}
	if len(normalized) == 0 {
		return "", fmt.Errorf("filetree.ValidateName: %w", ErrInvalidName)
	}
	if len(normalized) > MaxNameBytes {
		return "", fmt.Errorf("filetree.ValidateName: %w", ErrNameTooLong)
	}
	return normalized, nil
}

// IncrementedName applies the n-th suffix increment to a name, inserting it
// before the final extension if present: "todo" -> "todo-1", "notes.md" ->
// "notes-1.md". This is the concrete rule behind the merge loop's
// rename-increment path conflict resolution.
func IncrementedName(name string, n int) string {
	if n <= 0 {
		return name
	}
	base, ext := splitExt(name)
	return fmt.Sprintf("%s-%d%s", base, n, ext)
}

func splitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	// A dot at position 0 (dotfile) is not treated as an extension separator.
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
