// Package checksum identifies note contents. A checksum keys the metadata
// cache and doubles as the ETag of a note.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// String is Sum for text held as a string.
func String(text string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

// Matches reports whether an If-Match style precondition accepts sum. An
// empty precondition or "*" accepts anything; quotes and a weak "W/" prefix
// are ignored, as are commas separating several candidates.
func Matches(precondition, sum string) bool {
	precondition = strings.TrimSpace(precondition)
	if precondition == "" || precondition == "*" {
		return true
	}
	for _, tag := range strings.Split(precondition, ",") {
		tag = strings.TrimSpace(tag)
		tag = strings.TrimPrefix(tag, "W/")
		if strings.Trim(tag, `"`) == sum {
			return true
		}
	}
	return false
}
