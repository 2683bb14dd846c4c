package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ConfigDocument is an immutable, content-addressed configuration
// payload. The payload is opaque to the control plane; agents treat
// it as YAML text.
type ConfigDocument struct {
	ID        string    `json:"doc_id"`
	OrgID     string    `json:"organization_id"`
	Payload   []byte    `json:"-"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	OriginRef string    `json:"origin_ref,omitempty"`
}

// HashPayload computes the content hash of a configuration payload:
// SHA-256 rendered as lowercase hex. Byte-for-byte payload equality is
// what defines "same configuration".
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the raw SHA-256 digest, as carried on the wire.
func HashBytes(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}
