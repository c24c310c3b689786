package execverify

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/ethlight/vproxy/internal/stateproof"
	"github.com/ethlight/vproxy/internal/upstream"
)

// accessTuple mirrors the eth_createAccessList entry shape: an address plus
// the storage keys the transaction is expected to touch.
type accessTuple struct {
	Address     common.Address `json:"address"`
	StorageKeys []common.Hash  `json:"storageKeys"`
}

type accessListResult struct {
	AccessList []accessTuple `json:"accessList"`
}

// callObject is the subset of eth_call/eth_createAccessList's transaction
// object this package needs to build the request.
type callObject struct {
	From     *common.Address `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

// rpcAccountProof is the wire shape of an eth_getProof response, decoded
// into stateproof.AccountProof by toAccountProof.
type rpcAccountProof struct {
	Address      common.Address          `json:"address"`
	Balance      *hexutil.Big            `json:"balance"`
	CodeHash     common.Hash             `json:"codeHash"`
	Nonce        hexutil.Uint64          `json:"nonce"`
	StorageHash  common.Hash             `json:"storageHash"`
	AccountProof []hexutil.Bytes         `json:"accountProof"`
	StorageProof []rpcStorageProofEntry  `json:"storageProof"`
}

type rpcStorageProofEntry struct {
	Key   common.Hash     `json:"key"`
	Value *hexutil.Big    `json:"value"`
	Proof []hexutil.Bytes `json:"proof"`
}

func (r *rpcAccountProof) toAccountProof() *stateproof.AccountProof {
	balance := new(big.Int)
	if r.Balance != nil {
		balance = (*big.Int)(r.Balance)
	}
	out := &stateproof.AccountProof{
		Address:      r.Address,
		Balance:      balance,
		CodeHash:     r.CodeHash,
		Nonce:        uint64(r.Nonce),
		StorageHash:  r.StorageHash,
		AccountProof: r.AccountProof,
	}
	out.StorageProof = make([]stateproof.StorageProofEntry, len(r.StorageProof))
	for i, s := range r.StorageProof {
		value := new(big.Int)
		if s.Value != nil {
			value = (*big.Int)(s.Value)
		}
		out.StorageProof[i] = stateproof.StorageProofEntry{Key: s.Key, Value: value, Proof: s.Proof}
	}
	return out
}

// materializer fetches, verifies, and installs the state a call or gas
// estimate needs, per spec §4.6 steps 3-5.
type materializer struct {
	client *upstream.Client
}

func newMaterializer(client *upstream.Client) *materializer {
	return &materializer{client: client}
}

// materialize builds a fresh *state.StateDB rooted at header.Root and
// populates it with only the accounts the access list names, each
// individually verified against header.Root before it is installed. The
// returned set of addresses is the "materialized" allow-list strictStateDB
// enforces.
func (m *materializer) materialize(ctx context.Context, header *types.Header, tx *callObject) (*state.StateDB, map[common.Address]bool, error) {
	access, err := m.accessList(ctx, header, tx)
	if err != nil {
		return nil, nil, err
	}
	access = augment(access, tx)

	proofs := make([]*rpcAccountProof, len(access))
	codes := make([][]byte, len(access))
	batch := make([]*upstream.BatchElem, 0, 2*len(access))
	for i, t := range access {
		proofs[i] = new(rpcAccountProof)
		keys := make([]any, len(t.StorageKeys))
		for j, k := range t.StorageKeys {
			keys[j] = k
		}
		batch = append(batch,
			&upstream.BatchElem{Method: "eth_getProof", Args: []any{t.Address, keys, hexutil.EncodeBig(header.Number)}, Result: proofs[i]},
		)
	}
	codeIndex := make([]*hexutil.Bytes, len(access))
	for i, t := range access {
		codeIndex[i] = new(hexutil.Bytes)
		batch = append(batch,
			&upstream.BatchElem{Method: "eth_getCode", Args: []any{t.Address, hexutil.EncodeBig(header.Number)}, Result: codeIndex[i]},
		)
	}
	if err := m.client.CallBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("execverify: fetch access-list proofs: %w", err)
	}
	for i, elem := range batch[:len(access)] {
		if elem.Error != nil {
			return nil, nil, fmt.Errorf("execverify: eth_getProof for %s: %w", access[i].Address, elem.Error)
		}
	}
	for i, elem := range batch[len(access):] {
		if elem.Error != nil {
			return nil, nil, fmt.Errorf("execverify: eth_getCode for %s: %w", access[i].Address, elem.Error)
		}
		codes[i] = []byte(*codeIndex[i])
	}

	db := state.NewDatabase(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil), nil)
	statedb, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		return nil, nil, fmt.Errorf("execverify: new state: %w", err)
	}

	materialized := make(map[common.Address]bool, len(access))
	for i, t := range access {
		proof := proofs[i].toAccountProof()
		if err := stateproof.VerifyAccount(header.Root, proof); err != nil {
			return nil, nil, err
		}
		if err := stateproof.VerifyCode(codes[i], proof.CodeHash); err != nil {
			return nil, nil, err
		}

		statedb.SetNonce(t.Address, proof.Nonce, tracing.NonceChangeUnspecified)
		bal, _ := uint256.FromBig(proof.Balance)
		statedb.AddBalance(t.Address, bal, tracing.BalanceChangeUnspecified)
		if len(codes[i]) > 0 {
			statedb.SetCode(t.Address, codes[i], tracing.CodeChangeUnspecified)
		}
		for _, s := range proof.StorageProof {
			if s.Value != nil && s.Value.Sign() != 0 {
				statedb.SetState(t.Address, s.Key, common.BigToHash(s.Value))
			}
		}
		materialized[t.Address] = true
	}

	return statedb, materialized, nil
}

// accessList asks upstream for eth_createAccessList(tx, header.number).
func (m *materializer) accessList(ctx context.Context, header *types.Header, tx *callObject) ([]accessTuple, error) {
	var result accessListResult
	if err := m.client.Call(ctx, &result, "eth_createAccessList", tx, hexutil.EncodeBig(header.Number)); err != nil {
		return nil, fmt.Errorf("execverify: eth_createAccessList: %w", err)
	}
	return result.AccessList, nil
}

// augment adds {from, []} and {to, []} to access if either is missing, per
// spec §4.6 step 3.
func augment(access []accessTuple, tx *callObject) []accessTuple {
	has := func(addr common.Address) bool {
		for _, t := range access {
			if t.Address == addr {
				return true
			}
		}
		return false
	}
	if tx.From != nil && !has(*tx.From) {
		access = append(access, accessTuple{Address: *tx.From})
	}
	if tx.To != nil && !has(*tx.To) {
		access = append(access, accessTuple{Address: *tx.To})
	}
	return access
}
