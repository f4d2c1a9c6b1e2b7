package security

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// A sealed value is
//
//	skus.secret.v1:<key id>:<key version>:<nonce>:<ciphertext>
//
// with the key id, nonce and ciphertext in unpadded base64url.
const (
	envelopePrefix    = "skus.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
	envelopeParts     = 4
)

var b64 = base64.RawURLEncoding

type envelope struct {
	keyID   string
	version int
	nonce   []byte
	sealed  []byte
}

// EnvelopeMetadata describes which key sealed a payload.
type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata reads the key reference of a sealed payload without
// decrypting it.
func ParseEnvelopeMetadata(ciphertext []byte) (EnvelopeMetadata, error) {
	env, err := openEnvelope(ciphertext)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{KeyID: env.keyID, Version: env.version, Algorithm: envelopeAlgorithm}, nil
}

// IsSealed reports whether value carries the envelope prefix.
func IsSealed(value []byte) bool {
	return strings.HasPrefix(string(value), envelopePrefix)
}

func (e envelope) bytes() []byte {
	var b strings.Builder
	b.WriteString(envelopePrefix)
	b.WriteString(b64.EncodeToString([]byte(e.keyID)))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(e.version))
	b.WriteByte(':')
	b.WriteString(b64.EncodeToString(e.nonce))
	b.WriteByte(':')
	b.WriteString(b64.EncodeToString(e.sealed))
	return []byte(b.String())
}

func openEnvelope(value []byte) (envelope, error) {
	body, ok := strings.CutPrefix(string(value), envelopePrefix)
	if !ok {
		return envelope{}, fmt.Errorf("security: value is not a sealed envelope")
	}
	parts := strings.Split(body, ":")
	if len(parts) != envelopeParts {
		return envelope{}, fmt.Errorf("security: envelope has %d parts, want %d", len(parts), envelopeParts)
	}
	keyID, err := b64.DecodeString(parts[0])
	if err != nil || len(keyID) == 0 {
		return envelope{}, fmt.Errorf("security: envelope key id is malformed")
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil || version < 1 {
		return envelope{}, fmt.Errorf("security: envelope key version %q is invalid", parts[1])
	}
	nonce, err := b64.DecodeString(parts[2])
	if err != nil {
		return envelope{}, fmt.Errorf("security: decode nonce: %w", err)
	}
	sealed, err := b64.DecodeString(parts[3])
	if err != nil || len(sealed) == 0 {
		return envelope{}, fmt.Errorf("security: envelope ciphertext is missing or malformed")
	}
	return envelope{keyID: string(keyID), version: version, nonce: nonce, sealed: sealed}, nil
}

// additionalData binds the key reference into the GCM tag so a rewritten
// header fails to open.
func additionalData(keyID string, version int) []byte {
	return []byte(envelopePrefix + keyID + "#" + strconv.Itoa(version))
}
