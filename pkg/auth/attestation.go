package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"reveal/pkg/chain"
)

// Attestation is an external guardian's Ed25519 signature over the head of a
// verified day partition. It lets auditors pin a chain state independently
// of the journal host.
type Attestation struct {
	Day       string `json:"day"`
	HeadHash  string `json:"head_hash"`
	Entries   int    `json:"entries"`
	Kid       string `json:"kid"`
	Alg       string `json:"alg"`
	Signature string `json:"sig"`
}

// AttestationPayload is the canonical byte form the signature covers.
func AttestationPayload(a Attestation) ([]byte, error) {
	canon, err := chain.CanonicalizeValue(map[string]interface{}{
		"day":       a.Day,
		"head_hash": a.HeadHash,
		"entries":   a.Entries,
		"kid":       a.Kid,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize attestation payload: %w", err)
	}
	return canon, nil
}

func SignAttestation(priv ed25519.PrivateKey, a Attestation) (Attestation, error) {
	a.Alg = "ed25519"
	payload, err := AttestationPayload(a)
	if err != nil {
		return Attestation{}, err
	}
	a.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	return a, nil
}

func VerifyAttestation(pub ed25519.PublicKey, a Attestation) error {
	if a.Alg != "ed25519" {
		return errors.New("unsupported signature alg")
	}
	payload, err := AttestationPayload(a)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		return errors.New("invalid signature")
	}
	return nil
}
