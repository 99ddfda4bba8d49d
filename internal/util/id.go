package util

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// Canonical id prefixes. A record keeps the id it was created with for its
// whole lifetime; no other representation is accepted.
const (
	PrefixQuery    = "qry"
	PrefixSubQuery = "sq"
	PrefixRemark   = "rmk"
	PrefixMessage  = "msg"
)

var canonicalID = regexp.MustCompile(`^[a-z]+_[0-9a-f]{32}$`)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// IsCanonicalID reports whether id was produced by NewID with the given prefix.
func IsCanonicalID(prefix, id string) bool {
	id = strings.TrimSpace(id)
	if !canonicalID.MatchString(id) {
		return false
	}
	return strings.HasPrefix(id, prefix+"_")
}
