// Package identity turns remote message identifiers into stable,
// filesystem-safe archive keys.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxLength bounds the length of a normalized identity.
const MaxLength = 100

const hashSuffixLen = 8

// seedNamespace scopes name-based uuids generated for messages without a Message-Id.
var seedNamespace = uuid.MustParse("4f1b6c2e-8d0a-5e3b-9c7f-2a1d6e5b8c90")

// Normalize case-folds raw, strips enclosing angle brackets and every
// character outside [a-z0-9.@_+=-]. Results longer than MaxLength are cut and
// suffixed with a hash of the untruncated value. An unusable input yields "".
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) <= MaxLength {
		return out
	}

	sum := sha256.Sum256([]byte(out))
	suffix := hex.EncodeToString(sum[:])[:hashSuffixLen]
	return out[:MaxLength-hashSuffixLen-1] + "-" + suffix
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '@', r == '_', r == '+', r == '=', r == '-':
		return true
	}
	return false
}

// Synthesize builds an identifier for a message that has none. The result
// always carries a per-message component: a name-based uuid of seed when a
// seed is given (stable across runs), a random uuid otherwise.
func Synthesize(internalDate time.Time, seed string) string {
	var id uuid.UUID
	if seed != "" {
		id = uuid.NewSHA1(seedNamespace, []byte(seed))
	} else {
		id = uuid.New()
	}
	ts := internalDate.Unix()
	if internalDate.IsZero() {
		ts = time.Now().Unix()
	}
	return fmt.Sprintf("%d.%s@synthesized", ts, id.String())
}

// ForMessage normalizes raw, falling back to a synthesized identity when raw
// is empty or strips down to nothing.
func ForMessage(raw string, internalDate time.Time, seed string) string {
	if id := Normalize(raw); id != "" {
		return id
	}
	return Normalize(Synthesize(internalDate, seed))
}

// Seed returns the synthesis seed for a message located by folder and UID.
func Seed(folder string, uidValidity, uid uint32) string {
	if uid == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%d/%d", folder, uidValidity, uid)
}
