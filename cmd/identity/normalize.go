package identity

import (
	"strings"
	"unicode/utf8"
)

// MaxUIDLength is the width of users.uid.
const MaxUIDLength = 10

// MaxCharacterIdentificationLength bounds client-supplied presence tokens.
const MaxCharacterIdentificationLength = 128

// NormalizeUID trims surrounding whitespace. UIDs are generated upper-case and
// compared byte-for-byte, so no case folding happens here.
func NormalizeUID(s string) string {
	return strings.TrimSpace(s)
}

// ValidUID reports whether s is a non-empty UID that fits the column width.
func ValidUID(s string) bool {
	return s != "" && utf8.RuneCountInString(s) <= MaxUIDLength
}

// NormalizeCharacterIdentification trims surrounding whitespace.
func NormalizeCharacterIdentification(s string) string {
	return strings.TrimSpace(s)
}

// ValidCharacterIdentification reports whether s is usable as a presence token.
func ValidCharacterIdentification(s string) bool {
	return s != "" && len(s) <= MaxCharacterIdentificationLength
}
