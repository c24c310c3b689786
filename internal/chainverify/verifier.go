// Package chainverify fetches block headers and full blocks from the
// upstream RPC client and verifies them against the Trusted-Head Store
// before handing them to any other component. Nothing downstream of this
// package is allowed to trust a header it has not produced.
package chainverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/ethlight/vproxy/internal/headstore"
	"github.com/ethlight/vproxy/internal/upstream"
)

var (
	// ErrHashMismatch means the decoded header does not hash to the value
	// the caller asked to verify it against.
	ErrHashMismatch = errors.New("chainverify: keccak(rlp(header)) does not match expected hash")

	// ErrTxRootMismatch means reconstructing the transactions trie from the
	// block's own transaction list did not reproduce the header's root.
	ErrTxRootMismatch = errors.New("chainverify: reconstructed transactions root does not match header")

	// ErrNonEmptyUncles is returned for any block carrying uncle headers;
	// per design note (b), uncle handling is unimplemented and any
	// non-empty uncle list is treated as a verification failure rather
	// than silently ignored.
	ErrNonEmptyUncles = errors.New("chainverify: non-empty uncle list is unsupported")
)

// rpcHeader is the wire shape of a block returned by eth_getBlockByHash /
// eth_getBlockByNumber, decoded only as far as the header fields and the
// transaction list needed to reconstruct the transactions trie.
type rpcHeader struct {
	Number           hexutil.Big     `json:"number"`
	Hash             common.Hash     `json:"hash"`
	ParentHash       common.Hash     `json:"parentHash"`
	Nonce            hexutil.Bytes   `json:"nonce"`
	Sha3Uncles       common.Hash     `json:"sha3Uncles"`
	LogsBloom        hexutil.Bytes   `json:"logsBloom"`
	TransactionsRoot common.Hash     `json:"transactionsRoot"`
	StateRoot        common.Hash     `json:"stateRoot"`
	ReceiptsRoot     common.Hash     `json:"receiptsRoot"`
	Miner            common.Address  `json:"miner"`
	Difficulty       hexutil.Big     `json:"difficulty"`
	ExtraData        hexutil.Bytes   `json:"extraData"`
	GasLimit         hexutil.Uint64  `json:"gasLimit"`
	GasUsed          hexutil.Uint64  `json:"gasUsed"`
	Timestamp        hexutil.Uint64  `json:"timestamp"`
	BaseFeePerGas    *hexutil.Big    `json:"baseFeePerGas"`
	WithdrawalsRoot  *common.Hash    `json:"withdrawalsRoot"`
	BlobGasUsed      *hexutil.Uint64 `json:"blobGasUsed"`
	ExcessBlobGas    *hexutil.Uint64 `json:"excessBlobGas"`
	MixHash          common.Hash     `json:"mixHash"`

	Uncles       []common.Hash    `json:"uncles"`
	Transactions []rpcTransaction `json:"transactions"`
}

// rpcTransaction decodes one entry of a full-object block's "transactions"
// array (the shape eth_getBlockByHash/ByNumber return when called with
// includeTxs=true: full transaction objects, not raw RLP hex strings).
// types.Transaction has its own UnmarshalJSON matching that RPC shape
// directly, the same way go-ethereum's own ethclient package decodes
// block bodies.
type rpcTransaction struct {
	tx *types.Transaction
}

func (r *rpcTransaction) UnmarshalJSON(msg []byte) error {
	return json.Unmarshal(msg, &r.tx)
}

// toHeader converts the wire shape into a *types.Header, the canonical
// go-ethereum type whose Hash() method implements keccak(rlp(header)).
func (r *rpcHeader) toHeader() *types.Header {
	var nonce types.BlockNonce
	copy(nonce[:], r.Nonce)

	h := &types.Header{
		ParentHash:  r.ParentHash,
		UncleHash:   r.Sha3Uncles,
		Coinbase:    r.Miner,
		Root:        r.StateRoot,
		TxHash:      r.TransactionsRoot,
		ReceiptHash: r.ReceiptsRoot,
		Bloom:       types.BytesToBloom(r.LogsBloom),
		Difficulty:  (*big.Int)(&r.Difficulty),
		Number:      (*big.Int)(&r.Number),
		GasLimit:    uint64(r.GasLimit),
		GasUsed:     uint64(r.GasUsed),
		Time:        uint64(r.Timestamp),
		Extra:       r.ExtraData,
		MixDigest:   r.MixHash,
		Nonce:       nonce,
		BaseFee:     (*big.Int)(r.BaseFeePerGas),
	}
	if r.WithdrawalsRoot != nil {
		h.WithdrawalsHash = r.WithdrawalsRoot
	}
	if r.BlobGasUsed != nil {
		v := uint64(*r.BlobGasUsed)
		h.BlobGasUsed = &v
	}
	if r.ExcessBlobGas != nil {
		v := uint64(*r.ExcessBlobGas)
		h.ExcessBlobGas = &v
	}
	return h
}

// Verifier fetches and verifies headers and blocks via an upstream RPC
// client, caching verified headers into the Trusted-Head Store.
type Verifier struct {
	client *upstream.Client
	store  *headstore.Store
}

// New creates a Verifier over the given upstream client and head store.
func New(client *upstream.Client, store *headstore.Store) *Verifier {
	return &Verifier{client: client, store: store}
}

// HeaderByHash returns the verified header for hash, fetching and checking
// it against the upstream if it is not already cached.
func (v *Verifier) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	if h := v.store.CachedHeader(hash); h != nil {
		return h, nil
	}

	var wire rpcHeader
	if err := v.client.Call(ctx, &wire, "eth_getBlockByHash", hash, true); err != nil {
		return nil, fmt.Errorf("chainverify: fetch header %s: %w", hash, err)
	}

	header := wire.toHeader()
	if header.Hash() != hash {
		return nil, fmt.Errorf("%w: got %s want %s", ErrHashMismatch, header.Hash(), hash)
	}

	v.store.CacheHeader(header)
	return header, nil
}

// HeaderByNumber verifies and returns the header at number, anchoring the
// request through the Trusted-Head Store's recorded hash at that height.
func (v *Verifier) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	hash, err := v.store.BlockHash(ctx, number, v.parentFetcher(ctx))
	if err != nil {
		return nil, err
	}
	return v.HeaderByHash(ctx, hash)
}

// parentFetcher adapts HeaderByHash to headstore.HeaderFetcher's signature
// for the backward parent walk in Store.BlockHash.
func (v *Verifier) parentFetcher(_ context.Context) headstore.HeaderFetcher {
	return func(ctx context.Context, hash common.Hash) (*types.Header, error) {
		return v.HeaderByHash(ctx, hash)
	}
}

// Block fetches and verifies the full block for an already-verified header:
// the block's own hash must match header.Hash(), its uncle list must be
// empty, and its transactions trie must reproduce header.TxHash.
func (v *Verifier) Block(ctx context.Context, header *types.Header) (*types.Block, error) {
	var wire rpcHeader
	if err := v.client.Call(ctx, &wire, "eth_getBlockByNumber", hexutil.EncodeBig(header.Number), true); err != nil {
		return nil, fmt.Errorf("chainverify: fetch block %d: %w", header.Number, err)
	}

	if wire.Hash != header.Hash() {
		return nil, fmt.Errorf("%w: block hash %s != header hash %s", ErrHashMismatch, wire.Hash, header.Hash())
	}
	if len(wire.Uncles) != 0 {
		return nil, ErrNonEmptyUncles
	}

	txs := make([]*types.Transaction, len(wire.Transactions))
	for i, rt := range wire.Transactions {
		if rt.tx == nil {
			return nil, fmt.Errorf("chainverify: transaction %d decoded to nil", i)
		}
		txs[i] = rt.tx
	}

	if err := verifyTransactionsRoot(txs, header.TxHash); err != nil {
		return nil, err
	}

	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs}), nil
}

// verifyTransactionsRoot inserts each transaction's RLP encoding at key
// rlp(index) into a fresh trie and checks the resulting root against want,
// exactly as spec §4.3 describes.
func verifyTransactionsRoot(txs []*types.Transaction, want common.Hash) error {
	t := gethtrie.NewStackTrie(nil)
	for i, tx := range txs {
		key, err := rlp.EncodeToBytes(uint64(i))
		if err != nil {
			return err
		}
		val, err := tx.MarshalBinary()
		if err != nil {
			return err
		}
		if err := t.Update(key, val); err != nil {
			return err
		}
	}
	if got := t.Hash(); got != want {
		return fmt.Errorf("%w: got %s want %s", ErrTxRootMismatch, got, want)
	}
	return nil
}
