// Package canonicalize provides RFC 8785 (JSON Canonicalization
// Scheme) serialization and sha256 content addressing for Loopgate
// records. Every content-addressed identity in the engine — candidate
// ids, suite hashes, evidence manifests, event envelope hashes — flows
// through this package so that a given value hashes identically
// everywhere.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct json tags are respected; map keys are sorted by UTF-16 code
// units and HTML escaping is disabled, per the RFC.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the sha256 content address of raw bytes.
func HashBytes(data []byte) contracts.ContentHash {
	sum := sha256.Sum256(data)
	return contracts.ContentHash("sha256:" + hex.EncodeToString(sum[:]))
}

// CanonicalHash returns the content address of v's canonical JSON
// form. Hashing the same value always yields the same address.
func CanonicalHash(v any) (contracts.ContentHash, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// NormalizeText returns the NFC normal form of a UTF-8 string. Text
// artifacts are normalized before hashing so that visually identical
// content cannot hash differently.
func NormalizeText(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("invalid UTF-8 string")
	}
	return norm.NFC.String(s), nil
}

// HashText content-addresses a text artifact after NFC normalization.
func HashText(s string) (contracts.ContentHash, error) {
	normalized, err := NormalizeText(s)
	if err != nil {
		return "", err
	}
	return HashBytes([]byte(normalized)), nil
}
