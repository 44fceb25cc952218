package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainCacheID separates cache id hashes from any other use of SHA-256.
// The version suffix allows a future change of the canonical encoding.
const DomainCacheID = "lmsync/ws-cache/v1"

// hashWithDomain computes SHA256(domain + 0x00 + method + 0x00 + data).
func hashWithDomain(domain, method string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(method))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CacheID computes the content-addressed id of a call.
// The id is stable across restarts and independent of map iteration order.
func CacheID(method string, params Params) (string, error) {
	if params == nil {
		params = Params{}
	}
	canonical, err := MarshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("CacheID: %s: %w", method, err)
	}
	return hashWithDomain(DomainCacheID, method, canonical), nil
}

// MustCacheID is like CacheID but panics on error.
// Use only in tests or when params are known to be valid.
func MustCacheID(method string, params Params) string {
	id, err := CacheID(method, params)
	if err != nil {
		panic(err)
	}
	return id
}
