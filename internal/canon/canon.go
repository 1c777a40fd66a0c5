// Package canon turns free-text address fields into the stable key used to
// deduplicate properties.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonicalize joins the address fields in fixed order (street, city, region,
// postal code), upper-cases them and collapses whitespace runs to a single
// space. The result is idempotent: Canonicalize of a canonical string's parts
// yields the same string.
func Canonicalize(street, city, region, postalCode string) string {
	combined := strings.Join([]string{street, city, region, postalCode}, " ")
	return strings.Join(strings.Fields(strings.ToUpper(combined)), " ")
}

// Hash returns the hex encoded SHA-256 digest of a canonical address.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// AddressKey canonicalizes the fields and hashes the result.
func AddressKey(street, city, region, postalCode string) (string, string) {
	canonical := Canonicalize(street, city, region, postalCode)
	return canonical, Hash(canonical)
}
