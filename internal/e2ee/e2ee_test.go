package e2ee

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

// cheap params so tests don't allocate 64 MiB per call
var testParams = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func mustPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func TestPairwiseRoundTrip(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	msg := []byte("meet at noon")

	p, err := Seal(msg, alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(p.Ciphertext, msg) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, ok := Open(p, bob.Private, alice.Public)
	if !ok {
		t.Fatal("Open failed for the intended recipient")
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Open = %q, want %q", got, msg)
	}
}

func TestPairwiseWrongKey(t *testing.T) {
	alice, bob, eve := mustPair(t), mustPair(t), mustPair(t)

	p, err := Seal([]byte("secret"), alice.Private, bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Open(p, eve.Private, alice.Public); ok {
		t.Error("third party opened the payload")
	}
	if _, ok := Open(p, bob.Private, eve.Public); ok {
		t.Error("opened with the wrong sender key")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	p, err := Seal([]byte("secret"), alice.Private, bob.Public)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(Payload) Payload
	}{
		{"flipped ciphertext bit", func(p Payload) Payload {
			ct := append([]byte(nil), p.Ciphertext...)
			ct[len(ct)-1] ^= 0x01
			return Payload{Nonce: p.Nonce, Ciphertext: ct}
		}},
		{"flipped nonce bit", func(p Payload) Payload {
			n := append([]byte(nil), p.Nonce...)
			n[0] ^= 0x01
			return Payload{Nonce: n, Ciphertext: p.Ciphertext}
		}},
		{"short nonce", func(p Payload) Payload {
			return Payload{Nonce: p.Nonce[:10], Ciphertext: p.Ciphertext}
		}},
		{"truncated ciphertext", func(p Payload) Payload {
			return Payload{Nonce: p.Nonce, Ciphertext: p.Ciphertext[:4]}
		}},
		{"empty", func(Payload) Payload { return Payload{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Open(tt.mutate(p), bob.Private, alice.Public); ok {
				t.Error("tampered payload opened")
			}
		})
	}
}

func TestNoncesAreUnique(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		p, err := Seal([]byte("same"), alice.Private, bob.Public)
		if err != nil {
			t.Fatal(err)
		}
		n := string(p.Nonce)
		if seen[n] {
			t.Fatalf("nonce reused after %d messages", i)
		}
		seen[n] = true
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestSealFailsWithoutEntropy(t *testing.T) {
	alice, bob := mustPair(t), mustPair(t)

	old := randReader
	randReader = failingReader{}
	defer func() { randReader = old }()

	if _, err := Seal([]byte("x"), alice.Private, bob.Public); err == nil {
		t.Error("Seal succeeded without a nonce source")
	}
}

func TestGroupRoundTripAndKeyDistribution(t *testing.T) {
	key, err := GenerateGroupKey()
	if err != nil {
		t.Fatal(err)
	}
	members := []KeyPair{mustPair(t), mustPair(t), mustPair(t)}
	outsider := mustPair(t)

	p, err := SealGroup([]byte("hello group"), key)
	if err != nil {
		t.Fatal(err)
	}

	for i, m := range members {
		sealed, err := WrapGroupKey(key, m.Public)
		if err != nil {
			t.Fatal(err)
		}
		got, ok := UnwrapGroupKey(sealed, m)
		if !ok {
			t.Fatalf("member %d could not unwrap group key", i)
		}
		plain, ok := OpenGroup(p, got)
		if !ok || string(plain) != "hello group" {
			t.Errorf("member %d: OpenGroup = %q, %v", i, plain, ok)
		}

		if _, ok := UnwrapGroupKey(sealed, outsider); ok {
			t.Errorf("outsider unwrapped member %d's group key", i)
		}
	}

	other, _ := GenerateGroupKey()
	if _, ok := OpenGroup(p, other); ok {
		t.Error("opened group payload with a different key")
	}
}

func TestWrapPrivateKey(t *testing.T) {
	kp := mustPair(t)

	w, err := WrapPrivateKeyWith(kp.Private, "correct horse", testParams)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(w.Ciphertext, kp.Private[:]) {
		t.Fatal("wrapped key contains the raw private key")
	}

	got, ok := UnwrapPrivateKey(w, "correct horse")
	if !ok || got != kp.Private {
		t.Fatal("unwrap with the right password failed")
	}

	if _, ok := UnwrapPrivateKey(w, "wrong horse"); ok {
		t.Error("unwrapped with the wrong password")
	}

	tampered := w
	tampered.Ciphertext = append([]byte(nil), w.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	if _, ok := UnwrapPrivateKey(tampered, "correct horse"); ok {
		t.Error("unwrapped a tampered blob")
	}

	noParams := w
	noParams.Params = KDFParams{}
	if _, ok := UnwrapPrivateKey(noParams, "correct horse"); ok {
		t.Error("unwrapped with zero kdf params")
	}
}

func TestWrapPrivateKeyRejectsZeroParams(t *testing.T) {
	kp := mustPair(t)
	if _, err := WrapPrivateKeyWith(kp.Private, "pw", KDFParams{}); err == nil {
		t.Error("expected error for zero params")
	}
	if _, err := WrapPrivateKeyWith(kp.Private, "pw", KDFParams{Time: 1, Memory: MaxKDFMemory + 1, Threads: 1}); err == nil {
		t.Error("expected error for params above the ceiling")
	}
}

func TestUnwrapRejectsOversizedParams(t *testing.T) {
	kp := mustPair(t)
	w, err := WrapPrivateKeyWith(kp.Private, "pw", testParams)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		params KDFParams
	}{
		{"time", KDFParams{Time: 2000, Memory: 1024, Threads: 1}},
		{"memory", KDFParams{Time: 1, Memory: 1 << 31, Threads: 1}},
		{"threads", KDFParams{Time: 1, Memory: 1024, Threads: 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := w
			tampered.Params = tt.params
			start := time.Now()
			if _, ok := UnwrapPrivateKey(tampered, "pw"); ok {
				t.Fatal("unwrapped with tampered params")
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("rejection took %v, params were not checked before deriving", elapsed)
			}
		})
	}
}

func TestParsePublicKey(t *testing.T) {
	kp := mustPair(t)

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"std", base64.StdEncoding.EncodeToString(kp.Public[:]), false},
		{"raw url", base64.RawURLEncoding.EncodeToString(kp.Public[:]), false},
		{"short", base64.StdEncoding.EncodeToString(kp.Public[:16]), true},
		{"zero", base64.StdEncoding.EncodeToString(make([]byte, KeySize)), true},
		{"garbage", "!!not-base64!!", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePublicKey(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("err = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != kp.Public {
				t.Error("parsed key differs")
			}
		})
	}

	if kp.Public.String() != base64.StdEncoding.EncodeToString(kp.Public[:]) {
		t.Error("String() is not standard base64")
	}
}
