package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const unknownOrigin = "unknown"

// Fingerprint hashes request origin metadata into a coarse device id. Missing
// values are replaced by a fixed sentinel.
func Fingerprint(userAgent, remoteAddr string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		userAgent = unknownOrigin
	}
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		remoteAddr = unknownOrigin
	}
	sum := sha256.Sum256([]byte(userAgent + ":" + remoteAddr))
	return hex.EncodeToString(sum[:])
}
