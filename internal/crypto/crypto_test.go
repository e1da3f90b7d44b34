package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	msg := []byte("handshake transcript")
	sig := Sign(priv, msg)

	if !Verify(pub, msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Error("signature over different message accepted")
	}
	sig[0] ^= 0xff
	if Verify(pub, msg, sig) {
		t.Error("corrupted signature accepted")
	}
}

func TestVerifyBadKeySizes(t *testing.T) {
	if Verify(nil, []byte("m"), make([]byte, 64)) {
		t.Error("empty public key accepted")
	}
	pub, priv, _ := GenKeypair()
	if Verify(pub, []byte("m"), Sign(priv, []byte("m"))[:10]) {
		t.Error("short signature accepted")
	}
}

func TestKeypairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		t.Fatalf("save: %v", err)
	}

	pub2, priv2, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(pub, pub2) || !bytes.Equal(priv, priv2) {
		t.Error("keypair changed across save/load")
	}
}

func TestLoadOrCreateKeypair(t *testing.T) {
	dir := t.TempDir()
	pub1, _, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pub2, _, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Error("second call generated a new keypair")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ephA, _ := GenerateEphemeral()
	ephB, _ := GenerateEphemeral()
	sharedA, err := ephA.Shared(ephB.Public())
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}
	sharedB, _ := ephB.Shared(ephA.Public())
	if !bytes.Equal(sharedA, sharedB) {
		t.Fatal("ECDH sides disagree")
	}

	transcript := SHA3([]byte("transcript"))
	dialer, err := NewSession(sharedA, transcript, true)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	acceptor, _ := NewSession(sharedB, transcript, false)

	for i := 0; i < 5; i++ {
		msg := []byte{byte(i), 'p', 'a', 'y'}
		sealed, err := dialer.Seal(msg)
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		plain, err := acceptor.Open(sealed)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if !bytes.Equal(plain, msg) {
			t.Errorf("message %d corrupted", i)
		}
	}

	// Reverse direction uses the other key pair.
	sealed, _ := acceptor.Seal([]byte("pong"))
	if plain, err := dialer.Open(sealed); err != nil || !bytes.Equal(plain, []byte("pong")) {
		t.Errorf("reverse direction failed: %v", err)
	}
}

func TestSessionRejectsReplay(t *testing.T) {
	ephA, _ := GenerateEphemeral()
	ephB, _ := GenerateEphemeral()
	shared, _ := ephA.Shared(ephB.Public())
	transcript := SHA3([]byte("t"))

	dialer, _ := NewSession(shared, transcript, true)
	acceptor, _ := NewSession(shared, transcript, false)

	first, _ := dialer.Seal([]byte("one"))
	if _, err := acceptor.Open(first); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Counter advanced; the same ciphertext no longer authenticates.
	if _, err := acceptor.Open(first); err == nil {
		t.Error("replayed frame accepted")
	}
}

func TestTranscriptBindsAllFields(t *testing.T) {
	base := Transcript("a", []byte{1}, []byte{2}, []byte{3}, "b", []byte{4}, []byte{5}, []byte{6})
	changed := Transcript("a", []byte{1}, []byte{2}, []byte{3}, "b", []byte{4}, []byte{5}, []byte{7})
	if bytes.Equal(base, changed) {
		t.Error("transcript ignores the acceptor nonce")
	}
	// Length-prefixed parts cannot alias across field boundaries.
	shifted := Transcript("a", []byte{1, 2}, []byte{2}, []byte{3}, "b", []byte{4}, []byte{5}, []byte{6})
	if bytes.Equal(base, shifted) {
		t.Error("transcript fields alias")
	}
}
