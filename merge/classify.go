package merge

import "strings"

// Kind is the document-type classification content-edit merge dispatches on.
type Kind int

const (
	// Other is the duplicate-strategy fallback: no generic 3-way merge is
	// attempted, the conflict is resolved by duplicating the file.
	Other Kind = iota
	TextLike
	Drawing
)

// textLikeSuffixes and drawingSuffixes are the fixed classification table: a
// small, closed set of extensions, not a MIME sniff.
var textLikeSuffixes = map[string]bool{
	".md":   true,
	".txt":  true,
	".go":   true,
	".rs":   true,
	".py":   true,
	".js":   true,
	".ts":   true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".sh":   true,
}

var drawingSuffixes = map[string]bool{
	".svg": true,
}

// Classify returns the merge strategy for a file by its plaintext name's
// extension.
func Classify(name string) Kind {
	ext := extOf(name)
	switch {
	case textLikeSuffixes[ext]:
		return TextLike
	case drawingSuffixes[ext]:
		return Drawing
	default:
		return Other
	}
}

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(name[i:])
}
