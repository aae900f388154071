package rule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content hashing. The version suffix enables future
// algorithm migration without colliding with old hashes.
const (
	domainRule   = "reactor/rule/v1"
	domainLookup = "reactor/lookup/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash computes the stable content hash of a rule, canonicalized over
// the top-level fields of the rule input. Engine-assigned fields
// (version, created_at, updated_at) are excluded so that reloading an
// identical definition produces an identical hash.
//
// The top-level fields are serialized deeply and canonically, so a
// change anywhere inside trigger, conditions, actions, or lookups
// changes the hash.
func Hash(r *Rule) (string, error) {
	// Round-trip through JSON to obtain plain map/slice values for
	// canonical serialization.
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal rule %s: %w", r.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("unmarshal rule %s: %w", r.ID, err)
	}
	delete(m, "version")
	delete(m, "created_at")
	delete(m, "updated_at")

	canonical, err := MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize rule %s: %w", r.ID, err)
	}
	return hashWithDomain(domainRule, canonical), nil
}

// MustHash is like Hash but panics on error. Use only in tests or when
// the rule is known to be serializable.
func MustHash(r *Rule) string {
	h, err := Hash(r)
	if err != nil {
		panic(err)
	}
	return h
}

// LookupKey computes the cache key for a lookup invocation from the
// service, method, and resolved argument vector.
func LookupKey(service, method string, args []any) (string, error) {
	obj := map[string]any{
		"service": service,
		"method":  method,
		"args":    args,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalize lookup %s.%s: %w", service, method, err)
	}
	return hashWithDomain(domainLookup, canonical), nil
}
