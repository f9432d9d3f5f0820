// Package checksum computes and compares content fingerprints for draft
// units.
//
// A Checksum is a SHA-256 digest of a unit's canonical prose body. Front
// matter and other volatile metadata are excluded from the hashed body, so
// formatting-only UI concerns never change a unit's logical checksum. The
// type is opaque: valid values come only from Fingerprint or a validated
// Parse, which prevents accidental comparison of unrelated hash-shaped
// strings.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexLen is the length of a checksum's hex encoding.
const HexLen = sha256.Size * 2

// Checksum is an opaque, comparable fingerprint of a draft unit's canonical
// body. The zero value is not a valid checksum.
type Checksum struct {
	hex string
}

// Fingerprint computes the checksum of a unit's text. The text is
// canonicalized first: front matter is stripped and line endings are
// normalized, so the same prose always yields the same checksum.
func Fingerprint(text string) Checksum {
	sum := sha256.Sum256([]byte(Canonicalize(text)))
	return Checksum{hex: hex.EncodeToString(sum[:])}
}

// Parse validates an externally supplied hex digest (e.g. the
// previous_sha256 field of an accept request) and returns it as a Checksum.
func Parse(s string) (Checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != HexLen {
		return Checksum{}, fmt.Errorf("checksum must be %d hex characters (got %d)", HexLen, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return Checksum{}, fmt.Errorf("checksum is not valid hex: %w", err)
	}
	return Checksum{hex: s}, nil
}

// Matches reports whether two checksums are equal. Zero-value checksums
// never match anything, including each other.
func Matches(expected, actual Checksum) bool {
	if expected.hex == "" || actual.hex == "" {
		return false
	}
	return expected.hex == actual.hex
}

// String returns the fixed-length lowercase hex digest.
func (c Checksum) String() string {
	return c.hex
}

// IsZero reports whether the checksum is the invalid zero value.
func (c Checksum) IsZero() bool {
	return c.hex == ""
}

// MarshalText implements encoding.TextMarshaler so checksums serialize as
// plain hex in JSON manifests.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.hex), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (c *Checksum) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = Checksum{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Canonicalize returns the canonical form of a unit's text: the prose body
// with any leading front matter block removed and CRLF line endings
// normalized to LF.
//
// Front matter is a leading block delimited by "---" lines:
//
//	---
//	id: sc_0001
//	order: 3
//	---
//	The rain had not stopped...
func Canonicalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	body, _ := splitFrontMatter(text)
	return body
}

// splitFrontMatter separates a leading front matter block from the body.
// Returns (body, frontMatter); frontMatter is empty when no block is
// present. The closing delimiter must exist for a block to be recognized,
// otherwise the whole text is treated as body.
func splitFrontMatter(text string) (body, frontMatter string) {
	const delim = "---\n"

	if !strings.HasPrefix(text, delim) {
		return text, ""
	}

	rest := text[len(delim):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return text, ""
	}

	frontMatter = rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return body, frontMatter
}

// SplitFrontMatter exposes the front matter split for the draft codec.
func SplitFrontMatter(text string) (body, frontMatter string) {
	return splitFrontMatter(strings.ReplaceAll(text, "\r\n", "\n"))
}
