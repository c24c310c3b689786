// Package stateproof verifies Merkle-Patricia account and storage proofs
// returned by the untrusted upstream against a trusted state root, and
// checks returned contract bytecode against its claimed hash. Nothing here
// ever trusts upstream data directly: every public function either returns
// a verified value or a non-nil error.
package stateproof

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
)

// ErrVerifyFailed is returned whenever any step of account, storage, or
// code verification fails. It is always wrapped with a more specific
// reason; callers that only need to know "trust this or not" can match on
// errors.Is(err, ErrVerifyFailed).
var ErrVerifyFailed = errors.New("stateproof: verification failed")

var verifyFailuresCounter = metrics.NewRegisteredCounter("stateproof/verify_failures", nil)

// AccountProof mirrors the eth_getProof (EIP-1186) response shape.
type AccountProof struct {
	Address      common.Address
	Balance      *big.Int
	CodeHash     common.Hash
	Nonce        uint64
	StorageHash  common.Hash
	AccountProof []hexutil.Bytes
	StorageProof []StorageProofEntry
}

// StorageProofEntry is a single proven storage slot.
type StorageProofEntry struct {
	Key   common.Hash
	Value *big.Int
	Proof []hexutil.Bytes
}

// wrapf wraps ErrVerifyFailed with component context, matching the spec's
// "no partial success" rule: every failure is reported through the same
// sentinel so callers cannot accidentally treat a verification failure as
// a different kind of error.
func wrapf(format string, args ...any) error {
	verifyFailuresCounter.Inc(1)
	return fmt.Errorf("%w: "+format, append([]any{ErrVerifyFailed}, args...)...)
}

// VerifyAccount checks proof.AccountProof against stateRoot and, if it
// resolves to an existing account, every entry of proof.StorageProof
// against the account's storage root. It implements spec §4.4 exactly: the
// sentinel substitutions for empty storage/code, the canonical RLP
// comparison, and the "true iff everything passes, no partial success"
// rule.
func VerifyAccount(stateRoot common.Hash, proof *AccountProof) error {
	addrHash := crypto.Keccak256(proof.Address.Bytes())

	db := proofDB(proof.AccountProof)
	expected, err := gethtrie.VerifyProof(stateRoot, addrHash, db)
	if err != nil {
		return wrapf("account proof for %s: %v", proof.Address, err)
	}

	storageHash := proof.StorageHash
	if storageHash == (common.Hash{}) {
		storageHash = types.EmptyRootHash
	}
	codeHash := proof.CodeHash
	if codeHash == (common.Hash{}) {
		codeHash = types.EmptyCodeHash
	}

	account := &types.StateAccount{
		Nonce:    proof.Nonce,
		Balance:  toUint256(proof.Balance),
		Root:     storageHash,
		CodeHash: codeHash.Bytes(),
	}
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return wrapf("encode canonical account: %v", err)
	}

	if expected == nil {
		// Absence proof: the account must serialize as the canonical empty
		// account for this to be a legitimate "account does not exist".
		empty := &types.StateAccount{Root: types.EmptyRootHash, CodeHash: types.EmptyCodeHash.Bytes()}
		emptyEncoded, _ := rlp.EncodeToBytes(empty)
		if !bytes.Equal(encoded, emptyEncoded) {
			return wrapf("account %s: proof resolves to absence but fields are non-empty", proof.Address)
		}
	} else if !bytes.Equal(expected, encoded) {
		return wrapf("account %s: canonical account RLP does not match proof-derived value", proof.Address)
	}

	for i := range proof.StorageProof {
		if err := verifyStorageSlot(storageHash, &proof.StorageProof[i]); err != nil {
			return err
		}
	}
	return nil
}

func verifyStorageSlot(storageHash common.Hash, entry *StorageProofEntry) error {
	slotHash := crypto.Keccak256(leftPad32(entry.Key.Bytes()))
	db := proofDB(entry.Proof)

	expected, err := gethtrie.VerifyProof(storageHash, slotHash, db)
	if err != nil {
		return wrapf("storage slot %s: %v", entry.Key, err)
	}

	value := entry.Value
	if value == nil {
		value = new(big.Int)
	}

	if expected == nil {
		if value.Sign() != 0 {
			return wrapf("storage slot %s: proof resolves to absence but value is non-zero", entry.Key)
		}
		return nil
	}

	encodedValue, err := rlp.EncodeToBytes(value)
	if err != nil {
		return wrapf("encode storage value: %v", err)
	}
	if !bytes.Equal(expected, encodedValue) {
		return wrapf("storage slot %s: proof-derived value does not match claimed value", entry.Key)
	}
	return nil
}

// VerifyCode checks code against codeHash, applying the empty-code
// equivalence from design note (d): "0x" is accepted against either the
// canonical empty-code hash or the all-zero sentinel some upstreams send
// in its place.
func VerifyCode(code []byte, codeHash common.Hash) error {
	if len(code) == 0 {
		if codeHash == types.EmptyCodeHash || codeHash == (common.Hash{}) {
			return nil
		}
		return wrapf("empty code but codeHash %s is neither EmptyCodeHash nor the zero sentinel", codeHash)
	}
	if got := crypto.Keccak256Hash(code); got != codeHash {
		return wrapf("keccak(code) = %s does not match claimed codeHash %s", got, codeHash)
	}
	return nil
}

// proofDB adapts a flat list of RLP-encoded trie nodes (as returned by
// eth_getProof) into the ethdb.KeyValueReader that go-ethereum's
// trie.VerifyProof expects: each node is stored under its own keccak hash.
func proofDB(nodes []hexutil.Bytes) *memorydb.Database {
	db := memorydb.New()
	for _, n := range nodes {
		db.Put(crypto.Keccak256(n), n)
	}
	return db
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func toUint256(b *big.Int) *uint256.Int {
	if b == nil {
		return new(uint256.Int)
	}
	u, _ := uint256.FromBig(b)
	return u
}
