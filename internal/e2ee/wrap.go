package e2ee

import (
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const saltSize = 16

// KDFParams are the Argon2id parameters stored alongside a wrapped key so
// they can be raised later without breaking existing keys.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams: 64 MiB, one pass, four lanes.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// Ceilings for params read back from storage. Memory is in KiB.
const (
	MaxKDFTime    = 10
	MaxKDFMemory  = 1 << 20
	MaxKDFThreads = 16
)

// Valid reports whether p is non-zero and within the ceilings.
func (p KDFParams) Valid() bool {
	return p.Time > 0 && p.Time <= MaxKDFTime &&
		p.Memory > 0 && p.Memory <= MaxKDFMemory &&
		p.Threads > 0 && p.Threads <= MaxKDFThreads
}

// WrappedKey is a private key sealed under a password.
type WrappedKey struct {
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Params     KDFParams `json:"params"`
}

func deriveKey(password string, salt []byte, p KDFParams) [KeySize]byte {
	var k [KeySize]byte
	copy(k[:], argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, KeySize))
	return k
}

// WrapPrivateKey seals priv for storage at rest using DefaultKDFParams.
func WrapPrivateKey(priv PrivateKey, password string) (WrappedKey, error) {
	return WrapPrivateKeyWith(priv, password, DefaultKDFParams)
}

func WrapPrivateKeyWith(priv PrivateKey, password string, params KDFParams) (WrappedKey, error) {
	if !params.Valid() {
		return WrappedKey{}, fmt.Errorf("wrap private key: invalid kdf params %+v", params)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return WrappedKey{}, fmt.Errorf("generate salt: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return WrappedKey{}, err
	}

	k := deriveKey(password, salt, params)
	return WrappedKey{
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, priv[:], nonce, &k),
		Params:     params,
	}, nil
}

// UnwrapPrivateKey returns false for a wrong password, tampered blob or malformed params.
func UnwrapPrivateKey(w WrappedKey, password string) (PrivateKey, bool) {
	if len(w.Salt) == 0 || !w.Params.Valid() {
		return PrivateKey{}, false
	}
	nonce, ok := nonceOf(Payload{Nonce: w.Nonce})
	if !ok || len(w.Ciphertext) < secretbox.Overhead {
		return PrivateKey{}, false
	}

	k := deriveKey(password, w.Salt, w.Params)
	raw, ok := secretbox.Open(nil, w.Ciphertext, nonce, &k)
	if !ok || len(raw) != KeySize {
		return PrivateKey{}, false
	}
	return PrivateKey(raw), true
}
