package core

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlindedToken is one credential request. Seed never leaves the engine;
// Blinded is what the issuer signs.
type BlindedToken struct {
	Seed    string `json:"seed"`
	Blinded string `json:"blinded"`
}

// SignedBatch is the issuer's answer for one order item.
type SignedBatch struct {
	ItemID      string    `json:"itemId"`
	OrderID     string    `json:"orderId"`
	IssuerID    string    `json:"issuerId"`
	PublicKey   string    `json:"publicKey"`
	SignedCreds []string  `json:"signedCreds"`
	BatchProof  string    `json:"batchProof"`
	ValidFrom   time.Time `json:"validFrom"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type UnblindedCredential struct {
	Seed  string `json:"seed"`
	Token string `json:"token"`
}

// PresentableCredential is a stored credential plus the batch facts bound
// into a presentation.
type PresentableCredential struct {
	Issuer string
	ItemID string
	UnblindedCredential
}

// Presentation is the decoded form of a presentation payload.
type Presentation struct {
	Version int    `json:"version"`
	Issuer  string `json:"issuer"`
	ItemID  string `json:"item_id"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Nonce   string `json:"nonce"`
	Token   string `json:"token"`
	Proof   string `json:"proof"`
}

type CredentialScheme interface {
	Blind(n int) ([]BlindedToken, error)
	Unblind(tokens []BlindedToken, batch SignedBatch) ([]UnblindedCredential, error)
	Present(credential PresentableCredential, domain string, path string) (string, error)
}

const presentationVersion = 1

var encoding = base64.RawURLEncoding

// DigestScheme is a hash based stand-in for a blind signature scheme. The
// issuer signs sha256(seed); the client checks a proof over the whole batch
// and derives each token from its seed and signature.
type DigestScheme struct {
	Rand  io.Reader
	Nonce func() string
}

func NewDigestScheme() DigestScheme {
	return DigestScheme{Rand: rand.Reader, Nonce: uuid.NewString}
}

func (s DigestScheme) Blind(n int) ([]BlindedToken, error) {
	if n < 1 {
		return nil, fmt.Errorf("core: blind count must be positive")
	}
	reader := s.Rand
	if reader == nil {
		reader = rand.Reader
	}
	out := make([]BlindedToken, 0, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		if _, err := io.ReadFull(reader, seed); err != nil {
			return nil, fmt.Errorf("core: read seed: %w", err)
		}
		digest := sha256.Sum256(append([]byte("skus.blind."), seed...))
		out = append(out, BlindedToken{
			Seed:    encoding.EncodeToString(seed),
			Blinded: encoding.EncodeToString(digest[:]),
		})
	}
	return out, nil
}

func (s DigestScheme) Unblind(tokens []BlindedToken, batch SignedBatch) ([]UnblindedCredential, error) {
	if len(tokens) == 0 || len(tokens) != len(batch.SignedCreds) {
		return nil, DomainError(ResultInvalidProof, "core: signed credential count does not match request", map[string]any{
			"requested": len(tokens),
			"signed":    len(batch.SignedCreds),
		})
	}
	blinded := make([]string, len(tokens))
	for i, token := range tokens {
		blinded[i] = token.Blinded
	}
	expected := BatchProof(batch.PublicKey, blinded, batch.SignedCreds)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(batch.BatchProof))) {
		return nil, DomainError(ResultInvalidProof, "core: batch proof mismatch", map[string]any{"item_id": batch.ItemID})
	}
	out := make([]UnblindedCredential, len(tokens))
	for i, token := range tokens {
		seed, err := encoding.DecodeString(token.Seed)
		if err != nil {
			return nil, InternalError(ResultSerializationFailed, err, "core: decode seed")
		}
		signed, err := encoding.DecodeString(batch.SignedCreds[i])
		if err != nil {
			return nil, DomainError(ResultInvalidResponse, "core: signed credential is not base64url", nil)
		}
		digest := sha256.Sum256(append(append([]byte("skus.token."), seed...), signed...))
		out[i] = UnblindedCredential{Seed: token.Seed, Token: encoding.EncodeToString(digest[:])}
	}
	return out, nil
}

func (s DigestScheme) Present(credential PresentableCredential, domain string, path string) (string, error) {
	key, err := encoding.DecodeString(credential.Token)
	if err != nil || len(key) == 0 {
		return "", InternalError(ResultSerializationFailed, err, "core: stored credential is corrupt")
	}
	nonce := ""
	if s.Nonce != nil {
		nonce = s.Nonce()
	}
	if nonce == "" {
		nonce = uuid.NewString()
	}
	presentation := Presentation{
		Version: presentationVersion,
		Issuer:  credential.Issuer,
		ItemID:  credential.ItemID,
		Domain:  domain,
		Path:    path,
		Nonce:   nonce,
		Token:   credential.Seed,
	}
	presentation.Proof = presentationProof(key, presentation)
	raw, err := json.Marshal(presentation)
	if err != nil {
		return "", InternalError(ResultSerializationFailed, err, "core: encode presentation")
	}
	return encoding.EncodeToString(raw), nil
}

// BatchProof binds a public key to the blinded and signed lists in order.
func BatchProof(publicKey string, blinded []string, signed []string) string {
	h := sha256.New()
	h.Write([]byte("skus.batch."))
	h.Write([]byte(publicKey))
	for _, value := range blinded {
		h.Write([]byte{0})
		h.Write([]byte(value))
	}
	for _, value := range signed {
		h.Write([]byte{1})
		h.Write([]byte(value))
	}
	return encoding.EncodeToString(h.Sum(nil))
}

func presentationProof(key []byte, p Presentation) string {
	mac := hmac.New(sha256.New, key)
	for _, part := range []string{p.Issuer, p.ItemID, p.Domain, p.Path, p.Nonce, p.Token} {
		mac.Write([]byte(part))
		mac.Write([]byte{0})
	}
	return encoding.EncodeToString(mac.Sum(nil))
}

// DigestIssuer is the issuer half of DigestScheme, used by local order
// servers and tests.
type DigestIssuer struct {
	Key       []byte
	PublicKey string
}

func (i DigestIssuer) Sign(blinded []string) ([]string, string) {
	signed := make([]string, len(blinded))
	for idx, value := range blinded {
		mac := hmac.New(sha256.New, i.Key)
		mac.Write([]byte(value))
		signed[idx] = encoding.EncodeToString(mac.Sum(nil))
	}
	return signed, BatchProof(i.PublicKey, blinded, signed)
}

// Verify checks a presentation payload against the issuer key.
func (i DigestIssuer) Verify(payload string) (Presentation, bool) {
	p, err := DecodePresentation(payload)
	if err != nil {
		return Presentation{}, false
	}
	return p, i.verifyDecoded(p)
}

func (i DigestIssuer) verifyDecoded(p Presentation) bool {
	seed, err := encoding.DecodeString(p.Token)
	if err != nil {
		return false
	}
	blindDigest := sha256.Sum256(append([]byte("skus.blind."), seed...))
	mac := hmac.New(sha256.New, i.Key)
	mac.Write([]byte(encoding.EncodeToString(blindDigest[:])))
	signed := mac.Sum(nil)
	tokenDigest := sha256.Sum256(append(append([]byte("skus.token."), seed...), signed...))
	expected := presentationProof(tokenDigest[:], p)
	return hmac.Equal([]byte(expected), []byte(p.Proof))
}

// DecodePresentation parses a presentation payload without verifying it.
func DecodePresentation(payload string) (Presentation, error) {
	raw, err := encoding.DecodeString(payload)
	if err != nil {
		return Presentation{}, err
	}
	var p Presentation
	if err := json.Unmarshal(raw, &p); err != nil {
		return Presentation{}, err
	}
	return p, nil
}
