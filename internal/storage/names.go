package storage

import (
	"path"
	"strings"
)

const maxNameLength = 100

// ObjectName builds the stored object name for an artifact: the handle id,
// a dash, and the display name reduced to a safe character set.
func ObjectName(id, filename string) string {
	return id + "-" + SanitizeFilename(filename)
}

// IDFromObjectName extracts the handle id from a name built by ObjectName.
// Handle ids are canonical UUID strings, so the id is the first 36 bytes.
func IDFromObjectName(name string) (string, bool) {
	const idLength = 36

	name = path.Base(name)
	if len(name) < idLength+1 || name[idLength] != '-' {
		return "", false
	}

	return name[:idLength], true
}

// SanitizeFilename strips directory components and replaces every byte
// outside [A-Za-z0-9._-] with an underscore.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)

	if filename == "." || filename == "/" || filename == ".." {
		filename = ""
	}

	var b strings.Builder

	for i := 0; i < len(filename) && b.Len() < maxNameLength; i++ {
		c := filename[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}

	if b.Len() == 0 {
		return "artifact"
	}

	return b.String()
}
