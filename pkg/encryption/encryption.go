// Package encryption seals relay traffic between the camera and a paired
// viewer. Both sides hold an X25519 key pair; the session key is derived from
// their shared secret with HKDF and payloads are sealed with
// XChaCha20-Poly1305 under a random nonce.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sessionInfo binds derived keys to this protocol.
const sessionInfo = "motioncam relay v1"

var ErrShortMessage = errors.New("sealed message too short")

type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return KeyPairFromPrivate(priv)
}

// KeyPairFromPrivate rebuilds a key pair from a stored private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("private key must be %d bytes", curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// SharedKey derives the symmetric session key both peers arrive at.
func (kp *KeyPair) SharedKey(peer []byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.PrivateKey, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sessionInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to expand session key: %w", err)
	}
	return key, nil
}

// Session opens a sealing session with peer.
func (kp *KeyPair) Session(peer []byte) (*Session, error) {
	key, err := kp.SharedKey(peer)
	if err != nil {
		return nil, err
	}
	return NewSession(key)
}

// Session seals and opens relay payloads. It is safe for concurrent use.
type Session struct {
	aead cipher.AEAD
}

func NewSession(key []byte) (*Session, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	return &Session{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *Session) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open reverses Seal.
func (s *Session) Open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed message: %w", err)
	}
	if len(data) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrShortMessage
	}
	nonce, ct := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed message: %w", err)
	}
	return plain, nil
}

// EncodeKey renders a key for the config file.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a key written by EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != curve25519.PointSize {
		return nil, fmt.Errorf("key must be %d bytes", curve25519.PointSize)
	}
	return key, nil
}
