// Package blobkzg checks that a blob-carrying transaction's versioned hashes
// genuinely commit to the blobs and KZG commitments it carries, before
// sendRawTransaction forwards it opaquely to the untrusted upstream. This
// proxy never has the blobs themselves (they travel on the P2P/consensus
// layer side channel, not in eth_sendRawTransaction's network-encoded
// payload), so verification only covers what the transaction envelope
// itself carries: sidecar-less transactions have nothing to check here.
package blobkzg

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	goethkzg "github.com/crate-crypto/go-eth-kzg"
)

// versionedHashVersion is the EIP-4844 KZG-commitment versioned hash prefix.
const versionedHashVersion = 0x01

// ErrInvalidBlobSize is returned when a blob or commitment does not have
// the EIP-4844 canonical size.
var ErrInvalidBlobSize = errors.New("blobkzg: invalid blob or commitment size")

// ErrVersionedHashMismatch means a transaction's versioned blob hash does
// not match the commitment it was claimed to hash.
var ErrVersionedHashMismatch = errors.New("blobkzg: versioned hash does not match commitment")

// Verifier checks blob sidecars against a go-eth-kzg trusted setup.
type Verifier struct {
	ctx *goethkzg.Context
}

// New initializes a Verifier with the standard Ethereum KZG ceremony
// trusted setup. This is a one-time, relatively expensive setup: callers
// should build one Verifier at startup and reuse it.
func New() (*Verifier, error) {
	ctx, err := goethkzg.NewContext4096Secure()
	if err != nil {
		return nil, fmt.Errorf("blobkzg: initialize context: %w", err)
	}
	return &Verifier{ctx: ctx}, nil
}

// VersionedHash computes the EIP-4844 versioned hash for a KZG commitment:
// 0x01 || sha256(commitment)[1:].
func VersionedHash(commitment []byte) (common.Hash, error) {
	if len(commitment) != 48 {
		return common.Hash{}, ErrInvalidBlobSize
	}
	sum := sha256.Sum256(commitment)
	var out common.Hash
	out[0] = versionedHashVersion
	copy(out[1:], sum[1:])
	return out, nil
}

// VerifySidecar checks that every blob in the sidecar proves against its
// commitment, and that every claimed versioned hash matches the commitment
// it was derived from, per EIP-4844 §"Blob transaction validity".
func (v *Verifier) VerifySidecar(blobs [][]byte, commitments [][]byte, proofs [][]byte, versionedHashes []common.Hash) error {
	if len(blobs) != len(commitments) || len(blobs) != len(proofs) || len(blobs) != len(versionedHashes) {
		return errors.New("blobkzg: blobs, commitments, proofs, and versioned hashes must have equal length")
	}

	for i := range blobs {
		want, err := VersionedHash(commitments[i])
		if err != nil {
			return fmt.Errorf("blob %d: %w", i, err)
		}
		if want != versionedHashes[i] {
			return fmt.Errorf("%w: blob %d: got %s want %s", ErrVersionedHashMismatch, i, versionedHashes[i], want)
		}
	}

	blobPtrs := make([]*goethkzg.Blob, len(blobs))
	comms := make([]goethkzg.KZGCommitment, len(blobs))
	kzgProofs := make([]goethkzg.KZGProof, len(blobs))
	for i := range blobs {
		if len(blobs[i]) != len(goethkzg.Blob{}) {
			return fmt.Errorf("%w: blob %d", ErrInvalidBlobSize, i)
		}
		b := new(goethkzg.Blob)
		copy(b[:], blobs[i])
		blobPtrs[i] = b
		copy(comms[i][:], commitments[i])
		copy(kzgProofs[i][:], proofs[i])
	}

	if err := v.ctx.VerifyBlobKZGProofBatch(blobPtrs, comms, kzgProofs); err != nil {
		return fmt.Errorf("blobkzg: batch proof verification failed: %w", err)
	}
	return nil
}
