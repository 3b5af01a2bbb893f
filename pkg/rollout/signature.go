package rollout

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm-ops/pkg/fault"
)

// SignerNotRequired is recorded as the verified signer when the signing
// policy does not require a signature.
const SignerNotRequired = "signature_not_required"

// Verification failure messages, checked in this order.
const (
	MsgNoTrustedSigners  = "no trusted signers configured"
	MsgSignatureMissing  = "signature required but missing"
	MsgSignerNotTrusted  = "signer not trusted"
	MsgSignatureMismatch = "signature does not verify for trusted signer"
)

// Verification is the outcome of a successful signer check.
type Verification struct {
	Signer string `json:"signer"`
	// Cryptographic is true when an ed25519 signature was checked, false when
	// the signer was attested by key hint only.
	Cryptographic bool `json:"cryptographic"`
}

// Signer is a parsed trusted signer entry of the form "<key-id>:<key>".
type Signer struct {
	ID  string
	Key ed25519.PublicKey
}

// ParseSigner splits a trusted signer entry. Key is set only when the
// material decodes to an ed25519 public key.
func ParseSigner(entry string, index int) Signer {
	entry = strings.TrimSpace(entry)
	id, material, ok := strings.Cut(entry, ":")
	if !ok {
		if key, ok := decodeFixed(entry, ed25519.PublicKeySize); ok {
			return Signer{ID: fmt.Sprintf("signer-%d", index+1), Key: key}
		}
		return Signer{ID: entry}
	}
	s := Signer{ID: strings.TrimSpace(id)}
	if key, ok := decodeFixed(material, ed25519.PublicKeySize); ok {
		s.Key = key
	}
	return s
}

// SigningPayload is the canonical text a release signature covers.
func SigningPayload(r Release) string {
	sbom := ""
	if r.SBOMChecksumSHA256 != nil {
		sbom = *r.SBOMChecksumSHA256
	}
	return fmt.Sprintf("release_id=%s\nversion=%s\nchecksum_sha256=%s\nsbom_checksum_sha256=%s\nring=%s",
		r.ReleaseID, r.Version, r.ChecksumSHA256, sbom, r.Ring)
}

// VerifyRelease checks the release signature against the trusted signers.
//
// A signature of the form "<key-id>:<sig>" names its signer; the key id must
// match a trusted signer. Without a hint the first trusted signer is
// attested. When any matching signer carries an ed25519 key, the signature
// must decode to an ed25519 signature that verifies over SigningPayload.
func VerifyRelease(trusted []string, r Release) (Verification, error) {
	if len(trusted) == 0 {
		return Verification{}, fault.Signature(MsgNoTrustedSigners, "")
	}
	if r.Signature == nil || strings.TrimSpace(*r.Signature) == "" {
		return Verification{}, fault.Signature(MsgSignatureMissing, "")
	}

	hint, material := splitSignature(*r.Signature)
	signers := make([]Signer, 0, len(trusted))
	for i, entry := range trusted {
		s := ParseSigner(entry, i)
		if hint == "" || s.ID == hint {
			signers = append(signers, s)
		}
	}
	if len(signers) == 0 {
		return Verification{}, fault.Signature(MsgSignerNotTrusted, hint)
	}

	keyed := false
	for _, s := range signers {
		if s.Key != nil {
			keyed = true
			break
		}
	}
	if !keyed {
		return Verification{Signer: signers[0].ID}, nil
	}

	// A keyed signer is never satisfied by the hint alone.
	sig, ok := decodeFixed(material, ed25519.SignatureSize)
	if !ok {
		return Verification{}, fault.Signature(MsgSignatureMismatch, hint)
	}
	payload := []byte(SigningPayload(r))
	for _, s := range signers {
		if s.Key != nil && ed25519.Verify(s.Key, payload, sig) {
			return Verification{Signer: s.ID, Cryptographic: true}, nil
		}
	}
	return Verification{}, fault.Signature(MsgSignatureMismatch, hint)
}

func splitSignature(raw string) (hint, material string) {
	raw = strings.TrimSpace(raw)
	left, right, ok := strings.Cut(raw, ":")
	if !ok {
		return "", raw
	}
	return strings.TrimSpace(left), strings.TrimSpace(right)
}

// decodeFixed decodes standard or URL-safe base64 and reports whether the
// result has exactly size bytes.
func decodeFixed(raw string, size int) ([]byte, bool) {
	raw = strings.TrimSpace(raw)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding} {
		b, err := enc.DecodeString(raw)
		if err == nil && len(b) == size {
			return b, true
		}
	}
	return nil, false
}
