// Package e2ee holds the client-side primitives for end-to-end encrypted content.
//
// Pairwise messages use NaCl box (X25519 + XSalsa20-Poly1305). Group messages use a
// shared secretbox key that is distributed to members as anonymous sealed boxes.
// Private keys are only persisted wrapped under an Argon2id-derived key.
// Every open/unwrap reports failure with a false result and never panics.
package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var ErrInvalidKey = errors.New("e2ee: invalid key")

// PublicKey and PrivateKey are X25519 keys.
type (
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
	GroupKey   [KeySize]byte
)

// KeyPair is one user's identity key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// Payload is the wire and storage form of an encrypted message.
type Payload struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{Public: PublicKey(*pub), Private: PrivateKey(*priv)}, nil
}

func newNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &nonce, nil
}

func nonceOf(p Payload) (*[NonceSize]byte, bool) {
	if len(p.Nonce) != NonceSize {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], p.Nonce)
	return &nonce, true
}

// Seal encrypts plaintext from sender to recipient with a fresh nonce.
func Seal(plaintext []byte, senderPriv PrivateKey, recipientPub PublicKey) (Payload, error) {
	nonce, err := newNonce()
	if err != nil {
		return Payload{}, err
	}
	pub := [KeySize]byte(recipientPub)
	priv := [KeySize]byte(senderPriv)
	ct := box.Seal(nil, plaintext, nonce, &pub, &priv)
	return Payload{Nonce: nonce[:], Ciphertext: ct}, nil
}

// Open decrypts a pairwise payload. ok is false on a wrong key or any tampering.
func Open(p Payload, recipientPriv PrivateKey, senderPub PublicKey) ([]byte, bool) {
	nonce, ok := nonceOf(p)
	if !ok || len(p.Ciphertext) < box.Overhead {
		return nil, false
	}
	pub := [KeySize]byte(senderPub)
	priv := [KeySize]byte(recipientPriv)
	return box.Open(nil, p.Ciphertext, nonce, &pub, &priv)
}

func GenerateGroupKey() (GroupKey, error) {
	var k GroupKey
	if _, err := io.ReadFull(randReader, k[:]); err != nil {
		return GroupKey{}, fmt.Errorf("generate group key: %w", err)
	}
	return k, nil
}

// SealGroup encrypts plaintext under a shared group key.
func SealGroup(plaintext []byte, key GroupKey) (Payload, error) {
	nonce, err := newNonce()
	if err != nil {
		return Payload{}, err
	}
	k := [KeySize]byte(key)
	return Payload{Nonce: nonce[:], Ciphertext: secretbox.Seal(nil, plaintext, nonce, &k)}, nil
}

func OpenGroup(p Payload, key GroupKey) ([]byte, bool) {
	nonce, ok := nonceOf(p)
	if !ok || len(p.Ciphertext) < secretbox.Overhead {
		return nil, false
	}
	k := [KeySize]byte(key)
	return secretbox.Open(nil, p.Ciphertext, nonce, &k)
}

// WrapGroupKey seals the group key for one member. Only that member's private key opens it.
func WrapGroupKey(key GroupKey, memberPub PublicKey) ([]byte, error) {
	pub := [KeySize]byte(memberPub)
	sealed, err := box.SealAnonymous(nil, key[:], &pub, randReader)
	if err != nil {
		return nil, fmt.Errorf("wrap group key: %w", err)
	}
	return sealed, nil
}

func UnwrapGroupKey(sealed []byte, kp KeyPair) (GroupKey, bool) {
	if len(sealed) < box.AnonymousOverhead {
		return GroupKey{}, false
	}
	pub := [KeySize]byte(kp.Public)
	priv := [KeySize]byte(kp.Private)
	raw, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok || len(raw) != KeySize {
		return GroupKey{}, false
	}
	return GroupKey(raw), true
}

// ParsePublicKey decodes a base64 (standard or URL, padded or raw) X25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(b) != KeySize {
			return PublicKey{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
		}
		var zero PublicKey
		pk := PublicKey(b)
		if pk == zero {
			return PublicKey{}, fmt.Errorf("%w: all-zero key", ErrInvalidKey)
		}
		return pk, nil
	}
	return PublicKey{}, fmt.Errorf("%w: not base64", ErrInvalidKey)
}

func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}
