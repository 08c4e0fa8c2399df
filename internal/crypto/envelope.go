package crypto

import (
	"encoding/json"
)

// Variant is the tagged classification of a stored document payload.
// Classification is decided here and nowhere else; call sites switch on
// the variant instead of sniffing fields.
type Variant int

const (
	// LegacyPlaintext is a document stored before encryption existed:
	// the payload is the record's plain JSON.
	LegacyPlaintext Variant = iota

	// EncryptedV1 is a document wrapped in the version-1 envelope.
	EncryptedV1
)

// String returns the variant name for logs.
func (v Variant) String() string {
	switch v {
	case EncryptedV1:
		return "encrypted_v1"
	default:
		return "legacy_plaintext"
	}
}

// envelope is the wire form of an encrypted document payload.
type envelope struct {
	EV    int    `json:"ev"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

// Classify inspects a stored payload and returns its variant. Anything
// that is not a well-formed version-1 envelope is legacy plaintext,
// including payloads that are not JSON at all.
func Classify(payload []byte) Variant {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return LegacyPlaintext
	}
	if env.EV != 1 || len(env.Nonce) != nonceSize || len(env.CT) == 0 {
		return LegacyPlaintext
	}
	return EncryptedV1
}
