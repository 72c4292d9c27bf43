package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// KeyPair holds a node's ECDSA keypair on the SECP256k1 curve, the same
// curve bitcoin itself uses, generated with github.com/btcsuite/btcd/btcec/v2.
type KeyPair struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
}

// GenKeyPair produces a fresh ECDSA SECP256k1 keypair (component A's
// gen_keypair).
func GenKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// PublicHex renders the public key in compressed, hex-encoded form — the Go
// analogue of the source's hex-encoded pub/priv string pair.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public.SerializeCompressed())
}

// PrivateHex renders the private key as hex.
func (kp *KeyPair) PrivateHex() string {
	return hex.EncodeToString(kp.Private.Serialize())
}

// ParsePublicHex decodes a compressed hex-encoded public key.
func ParsePublicHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}
	return pub, nil
}

// Sign signs msg with priv, returning a DER-encoded ECDSA signature. The
// message is hashed with SHA-256 first: btcec's ecdsa.Sign operates on a
// 32-byte digest, unlike the source's `ecdsa` library which hashes
// internally — this is the one faithful adaptation point forced by the
// library's API shape, not a protocol change.
func Sign(priv *btcec.PrivateKey, msg []byte) []byte {
	digest := sha256.Sum256(msg)
	sig := btcecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}

// Verify checks a DER-encoded signature produced by Sign against pub and msg.
func Verify(pub *btcec.PublicKey, msg, signature []byte) bool {
	sig, err := btcecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return sig.Verify(digest[:], pub)
}
