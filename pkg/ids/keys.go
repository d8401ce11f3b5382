package ids

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeyPair is an Ed25519 signing key plus its public counterpart. The
// private key bytes are zeroed when Zero is called; callers that hold
// a KeyPair for the lifetime of a session should defer Zero on release.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair mints a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, NewError(InternalConcurrency, "keypair generation failed", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// Sign signs message with the private key. The message is hashed with
// BLAKE3 first; Ed25519 signs the digest, not the raw message, so
// large attestation payloads never touch the signature primitive
// directly.
func (k *KeyPair) Sign(message []byte) []byte {
	digest := blake3.Sum256(message)
	return ed25519.Sign(k.private, digest[:])
}

// Verify checks a signature produced by Sign against a public key.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	digest := blake3.Sum256(message)
	return ed25519.Verify(public, digest[:], signature)
}

// Zero overwrites the private key bytes. Callers must not retain any
// copy of k.private obtained before calling this.
func (k *KeyPair) Zero() {
	for i := range k.private {
		k.private[i] = 0
	}
}

// Digest returns the BLAKE3 digest of data.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// FormatDigest renders a digest as a lowercase hex string for logging
// and storage keys.
func FormatDigest(d [32]byte) string {
	return fmt.Sprintf("%x", d)
}
