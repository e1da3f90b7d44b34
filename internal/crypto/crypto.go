// Package crypto provides the node identity keypair and the handshake
// primitives for authenticated, encrypted federation links.
//
// Fixed suite: Ed25519 identity signatures, ephemeral X25519 key
// agreement, SHA3-256 KDF, XChaCha20-Poly1305 session encryption.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	// XChaCha20-Poly1305 sizes
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX

	NonceLen = 16 // handshake nonce
)

// SHA3 computes SHA3-256 of msg.
func SHA3(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives 32 bytes from a label and key material parts.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3(buf)
}

// ── identity keys ───────────────────────────────────────────────────

// GenKeypair generates an Ed25519 identity keypair.
func GenKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with the identity key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SaveKeypair writes the identity keypair to dir as hex files.
func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

// LoadKeypair reads the identity keypair from dir.
func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

// LoadOrCreateKeypair loads the keypair from dir, generating and saving
// a fresh one when none exists yet.
func LoadOrCreateKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// ── ephemeral X25519 ────────────────────────────────────────────────

// Ephemeral is a one-shot X25519 keypair used during the handshake.
type Ephemeral struct {
	priv *ecdh.PrivateKey
	pub  []byte
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

// GenerateEphemeral creates a fresh X25519 keypair.
func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

// Public returns the ephemeral public key bytes.
func (e *Ephemeral) Public() []byte {
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out
}

// Shared computes the ECDH shared secret with the peer's ephemeral key.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// NewNonce returns NonceLen random bytes for the handshake transcript.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
