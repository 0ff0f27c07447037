// Package sha256 derives fixed-length storage keys from item URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// URLKey returns the hex SHA-256 of the trimmed URL. Object stores use it
// as a marker name, since raw URLs contain separators and can exceed key
// limits.
func URLKey(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}
