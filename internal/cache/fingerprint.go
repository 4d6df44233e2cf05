package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fieldSep is the unit-separator byte placed between fingerprint fields so
// that (model="a", text="bc") and (model="ab", text="c") never collide.
const fieldSep = 0x1f

// asciiSpace is the whitespace set stripped from the text before hashing.
// ASCII only: Unicode spaces (NBSP, ideographic space) are significant.
const asciiSpace = " \t\r\n\v\f"

// Fingerprint returns the deterministic cache key for a synthesis request.
// The text is NFC-normalised and stripped of leading/trailing ASCII
// whitespace before hashing, so requests that differ only in surrounding
// whitespace or Unicode composition form map to the same audio. The result
// is a lowercase-hex SHA-256 digest, stable across restarts and
// architectures.
func Fingerprint(model, voice, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{fieldSep})
	h.Write([]byte(voice))
	h.Write([]byte{fieldSep})
	h.Write([]byte(norm.NFC.String(strings.Trim(text, asciiSpace))))
	return hex.EncodeToString(h.Sum(nil))
}
