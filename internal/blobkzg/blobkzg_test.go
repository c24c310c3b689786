package blobkzg

import (
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestVersionedHashSetsVersionByte(t *testing.T) {
	commitment := make([]byte, 48)
	for i := range commitment {
		commitment[i] = byte(i)
	}
	got, err := VersionedHash(commitment)
	if err != nil {
		t.Fatalf("VersionedHash: %v", err)
	}
	if got[0] != versionedHashVersion {
		t.Fatalf("version byte = 0x%x, want 0x%x", got[0], versionedHashVersion)
	}
	sum := sha256.Sum256(commitment)
	if common.Bytes2Hex(got[1:]) != common.Bytes2Hex(sum[1:]) {
		t.Fatal("versioned hash tail does not match sha256(commitment)[1:]")
	}
}

func TestVersionedHashRejectsWrongCommitmentSize(t *testing.T) {
	if _, err := VersionedHash(make([]byte, 32)); err != ErrInvalidBlobSize {
		t.Fatalf("got %v, want ErrInvalidBlobSize", err)
	}
}

func TestVerifySidecarRejectsLengthMismatch(t *testing.T) {
	v := &Verifier{}
	err := v.VerifySidecar([][]byte{{1}}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for mismatched slice lengths")
	}
}

func TestVerifySidecarRejectsWrongVersionedHash(t *testing.T) {
	v := &Verifier{}
	commitment := make([]byte, 48)
	wrongHash := common.HexToHash("0xdead")
	err := v.VerifySidecar([][]byte{make([]byte, 131072)}, [][]byte{commitment}, [][]byte{make([]byte, 48)}, []common.Hash{wrongHash})
	if err == nil {
		t.Fatal("expected versioned hash mismatch error")
	}
}

func TestVerifySidecarRejectsWrongBlobSize(t *testing.T) {
	v := &Verifier{}
	commitment := make([]byte, 48)
	hash, err := VersionedHash(commitment)
	if err != nil {
		t.Fatalf("VersionedHash: %v", err)
	}
	err = v.VerifySidecar([][]byte{make([]byte, 100)}, [][]byte{commitment}, [][]byte{make([]byte, 48)}, []common.Hash{hash})
	if err == nil {
		t.Fatal("expected invalid blob size error")
	}
}
