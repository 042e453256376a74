package crypto

import (
	"bytes"
	"testing"
)

func FuzzSignVerify(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("bid submission"))
	f.Add([]byte("receipt 7f3a"))
	f.Add(make([]byte, 1000))

	f.Fuzz(func(t *testing.T, data []byte) {
		pubKey, privKey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		signature, err := Sign(privKey, data)
		if err != nil {
			t.Fatalf("signing failed: %v", err)
		}

		// Invariant 1: Ed25519 signatures are 64 bytes
		if len(signature) != 64 {
			t.Errorf("signature wrong length: got %d, want 64", len(signature))
		}

		// Invariant 2: verifies under the signer's key only
		if !signature.Verify(pubKey, data) {
			t.Error("signature verification failed with correct key")
		}
		otherKey, _, _ := GenerateKeyPair()
		if signature.Verify(otherKey, data) {
			t.Error("signature should not verify with another key")
		}

		// Invariant 3: tampering with data or signature breaks verification
		if len(data) > 0 {
			tampered := bytes.Clone(data)
			tampered[0] ^= 0xFF
			if signature.Verify(pubKey, tampered) {
				t.Error("signature should not verify with modified data")
			}
		}
		tamperedSig := NewSignature(signature)
		tamperedSig[0] ^= 0xFF
		if tamperedSig.Verify(pubKey, data) {
			t.Error("modified signature should not verify")
		}

		// Invariant 4: signing is deterministic
		again, _ := Sign(privKey, data)
		if !bytes.Equal(signature, again) {
			t.Error("signing is not deterministic")
		}
	})
}

func FuzzPrivateKeyPublicKey(f *testing.F) {
	f.Add(uint8(0))

	f.Fuzz(func(t *testing.T, _ uint8) {
		pubKey, privKey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		extracted, err := privKey.PublicKey()
		if err != nil {
			t.Fatalf("failed to extract public key: %v", err)
		}
		if !pubKey.Equal(extracted) {
			t.Error("extracted public key doesn't match generated public key")
		}
	})
}

func FuzzNewPublicKeyFromString(f *testing.F) {
	f.Add("")
	f.Add("00")
	f.Add("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	f.Add("0g")

	f.Fuzz(func(t *testing.T, input string) {
		pubKey, err := NewPublicKeyFromString(input)
		if err != nil {
			return
		}

		// Invariant: only well-sized keys parse, and they round-trip
		if len(pubKey) != 32 {
			t.Errorf("parsed key has %d bytes", len(pubKey))
		}
		if !bytes.Equal(mustHex(t, pubKey.String()), mustHex(t, input)) {
			t.Errorf("string round trip failed: got %s, want %s", pubKey.String(), input)
		}
	})
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	pk, err := NewPublicKeyFromString(s)
	if err != nil {
		t.Fatalf("unexpected parse failure: %v", err)
	}
	return pk.Bytes()
}
