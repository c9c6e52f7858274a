// Package fingerprint computes deterministic content fingerprints for symbol
// payloads. Fingerprints are the diff and cache key: equal normalized content
// always yields an equal fingerprint.
package fingerprint

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Prefix identifies the hash scheme so stored fingerprints stay comparable
// across upgrades.
const Prefix = "blake3:"

// Sum returns the fingerprint of a normalized payload.
func Sum(payload string) string {
	h := blake3.Sum256([]byte(Normalize(payload)))
	return Prefix + hex.EncodeToString(h[:])
}

// Normalize strips formatting noise that must not affect the fingerprint:
// carriage returns, trailing whitespace per line, and surrounding blank lines.
func Normalize(payload string) string {
	lines := strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
