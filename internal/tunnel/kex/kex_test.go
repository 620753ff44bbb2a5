package kex

import (
	"bytes"
	"testing"
)

func TestHandshakeBothSidesDeriveSameSecret(t *testing.T) {
	// A is the active side, B the passive side.
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A encapsulates a share to B; B encapsulates a share to A.
	aShare, aBlob, err := Encapsulate(b.Public)
	if err != nil {
		t.Fatalf("encapsulate to B failed: %v", err)
	}
	bShare, bBlob, err := Encapsulate(a.Public)
	if err != nil {
		t.Fatalf("encapsulate to A failed: %v", err)
	}

	// Each side decapsulates the other's blob.
	aRemote, err := Decapsulate(bBlob, a.Private)
	if err != nil {
		t.Fatalf("A decapsulate failed: %v", err)
	}
	bRemote, err := Decapsulate(aBlob, b.Private)
	if err != nil {
		t.Fatalf("B decapsulate failed: %v", err)
	}

	if !bytes.Equal(aRemote, bShare) {
		t.Fatal("A recovered a different share than B generated")
	}
	if !bytes.Equal(bRemote, aShare) {
		t.Fatal("B recovered a different share than A generated")
	}

	aSecret, err := CombineShares(aShare, aRemote)
	if err != nil {
		t.Fatalf("A combine failed: %v", err)
	}
	bSecret, err := CombineShares(bShare, bRemote)
	if err != nil {
		t.Fatalf("B combine failed: %v", err)
	}

	if !bytes.Equal(aSecret, bSecret) {
		t.Error("handshake produced different secrets on the two sides")
	}
	if len(aSecret) != SecretSize {
		t.Errorf("unexpected secret size: %d", len(aSecret))
	}
}

func TestEncapsulateFreshRandomness(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s1, b1, err := Encapsulate(kp.Public)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, b2, err := Encapsulate(kp.Public)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bytes.Equal(s1, s2) {
		t.Error("two encapsulations produced the same share")
	}
	if bytes.Equal(b1, b2) {
		t.Error("two encapsulations produced the same blob")
	}
}

func TestDecapsulateMalformedBlob(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, blob := range [][]byte{nil, []byte("short"), make([]byte, 19), make([]byte, 64)} {
		share, err := Decapsulate(blob, kp.Private)
		if err == nil {
			t.Errorf("expected error for blob of length %d", len(blob))
		}
		if share != nil {
			t.Error("decapsulation returned a partial secret on error")
		}
	}
}

func TestEncapsulateInvalidPublicKey(t *testing.T) {
	if _, _, err := Encapsulate([]byte("not-a-key")); err == nil {
		t.Error("expected error for invalid public key")
	}
}

func TestCombineSharesOrderIndependent(t *testing.T) {
	a := bytes.Repeat([]byte{0xAA}, ShareSize)
	b := bytes.Repeat([]byte{0x55}, ShareSize)

	ab, err := CombineShares(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := CombineShares(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Error("combination is order-dependent")
	}
}

func TestCombineSharesRejectsBadSizes(t *testing.T) {
	good := make([]byte, ShareSize)
	if _, err := CombineShares(good, make([]byte, 16)); err == nil {
		t.Error("expected error for short share")
	}
	if _, err := CombineShares(nil, good); err == nil {
		t.Error("expected error for nil share")
	}
}
