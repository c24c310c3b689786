// Package logverify verifies that logs returned by eth_getLogs genuinely
// belong to a verified block: block and transaction membership, logs-bloom
// membership, and (once per block, cached) receipt-trie root reconstruction
// against the verified header.
package logverify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/ethlight/vproxy/internal/chainverify"
	"github.com/ethlight/vproxy/internal/upstream"
)

var (
	ErrPendingLog       = errors.New("logverify: pending (unconfirmed) logs are rejected")
	ErrBlockMismatch    = errors.New("logverify: log's claimed block hash does not match the verified block")
	ErrTxNotFound       = errors.New("logverify: no transaction in the verified block matches the log's transaction hash")
	ErrTxIndexMismatch  = errors.New("logverify: log's transaction index does not match the verified block")
	ErrBloomMiss        = errors.New("logverify: log address or topic is not bloom-positive in the verified header")
	ErrReceiptRoot      = errors.New("logverify: reconstructed receipt trie root does not match header.receiptsRoot")
	ErrReceiptLogMissing = errors.New("logverify: no receipt log matches this log's address, data, and topics")
)

// Log is the wire shape of an eth_getLogs entry.
type Log struct {
	Address          common.Address
	Topics           []common.Hash
	Data             hexutil.Bytes
	BlockNumber      *hexutil.Uint64
	BlockHash        *common.Hash
	LogIndex         *hexutil.Uint64
	TransactionHash  *common.Hash
	TransactionIndex *hexutil.Uint64
}

// Verifier checks log entries against verified blocks and a per-block
// receipt cache, grounded on the Header & Block Verifier it wraps.
type Verifier struct {
	chain  *chainverify.Verifier
	client *upstream.Client

	mu       sync.Mutex
	receipts map[common.Hash][]*types.Receipt // keyed by block hash

	// blockReceiptsUnsupported is set once, the first time the upstream
	// reports eth_getBlockReceipts as unsupported, so every later block
	// skips straight to the per-transaction fallback.
	blockReceiptsUnsupported bool
}

// New creates a log Verifier.
func New(chain *chainverify.Verifier, client *upstream.Client) *Verifier {
	return &Verifier{chain: chain, client: client, receipts: make(map[common.Hash][]*types.Receipt)}
}

// Verify checks every entry of logs against the chain of verified blocks,
// per spec §4.5. It fails closed: the first verification failure aborts the
// whole batch.
func (v *Verifier) Verify(ctx context.Context, logs []Log) error {
	for i := range logs {
		if err := v.verifyOne(ctx, &logs[i]); err != nil {
			return fmt.Errorf("log %d: %w", i, err)
		}
	}
	return nil
}

func (v *Verifier) verifyOne(ctx context.Context, l *Log) error {
	if l.BlockNumber == nil || l.BlockHash == nil || l.LogIndex == nil || l.TransactionHash == nil || l.TransactionIndex == nil {
		return ErrPendingLog
	}

	header, err := v.chain.HeaderByNumber(ctx, uint64(*l.BlockNumber))
	if err != nil {
		return err
	}
	block, err := v.chain.Block(ctx, header)
	if err != nil {
		return err
	}
	if block.Hash() != *l.BlockHash {
		return ErrBlockMismatch
	}

	var matchedTx *types.Transaction
	for i, tx := range block.Transactions() {
		if tx.Hash() == *l.TransactionHash {
			if uint64(i) != uint64(*l.TransactionIndex) {
				return ErrTxIndexMismatch
			}
			matchedTx = tx
			break
		}
	}
	if matchedTx == nil {
		return ErrTxNotFound
	}

	if !header.Bloom.Test(l.Address.Bytes()) {
		return fmt.Errorf("%w: address %s", ErrBloomMiss, l.Address)
	}
	for _, topic := range l.Topics {
		if !header.Bloom.Test(topic.Bytes()) {
			return fmt.Errorf("%w: topic %s", ErrBloomMiss, topic)
		}
	}

	receipts, err := v.blockReceipts(ctx, block)
	if err != nil {
		return err
	}
	if got := types.DeriveSha(types.Receipts(receipts), gethtrie.NewStackTrie(nil)); got != header.ReceiptHash {
		return fmt.Errorf("%w: got %s want %s", ErrReceiptRoot, got, header.ReceiptHash)
	}

	for _, r := range receipts {
		if r.TxHash != *l.TransactionHash {
			continue
		}
		for _, rl := range r.Logs {
			if logMatches(rl, l) {
				return nil
			}
		}
	}
	return ErrReceiptLogMissing
}

func logMatches(rl *types.Log, l *Log) bool {
	if rl.Address != l.Address {
		return false
	}
	if !bytesEqual(rl.Data, l.Data) {
		return false
	}
	if len(rl.Topics) != len(l.Topics) {
		return false
	}
	for i := range rl.Topics {
		if rl.Topics[i] != l.Topics[i] {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// blockReceipts returns, cached per block hash, the full receipt list for
// block: it tries eth_getBlockReceipts first and falls back to a single
// batched set of eth_getTransactionReceipt calls once the upstream has
// signalled it does not support the batch method.
func (v *Verifier) blockReceipts(ctx context.Context, block *types.Block) ([]*types.Receipt, error) {
	v.mu.Lock()
	if cached, ok := v.receipts[block.Hash()]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	unsupported := v.blockReceiptsUnsupported
	v.mu.Unlock()

	var receipts []*types.Receipt
	if !unsupported {
		var wire []*rpcReceipt
		err := v.client.Call(ctx, &wire, "eth_getBlockReceipts", hexutil.EncodeBig(block.Number()))
		if _, ok := err.(*upstream.ErrUnsupportedMethod); ok || isMethodNotSupported(err) {
			v.mu.Lock()
			v.blockReceiptsUnsupported = true
			v.mu.Unlock()
		} else if err != nil {
			return nil, fmt.Errorf("logverify: fetch block receipts: %w", err)
		} else {
			receipts = make([]*types.Receipt, len(wire))
			for i, w := range wire {
				receipts[i] = w.toReceipt()
			}
		}
	}

	if receipts == nil {
		txs := block.Transactions()
		results := make([]*rpcReceipt, len(txs))
		batch := make([]*upstream.BatchElem, len(txs))
		for i, tx := range txs {
			results[i] = new(rpcReceipt)
			batch[i] = &upstream.BatchElem{Method: "eth_getTransactionReceipt", Args: []any{tx.Hash()}, Result: results[i]}
		}
		if err := v.client.CallBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("logverify: fetch transaction receipts: %w", err)
		}
		receipts = make([]*types.Receipt, len(results))
		for i, r := range results {
			if batch[i].Error != nil {
				return nil, fmt.Errorf("logverify: receipt for tx %s: %w", txs[i].Hash(), batch[i].Error)
			}
			receipts[i] = r.toReceipt()
		}
	}

	v.mu.Lock()
	v.receipts[block.Hash()] = receipts
	v.mu.Unlock()
	return receipts, nil
}

func isMethodNotSupported(err error) bool {
	return err != nil && containsMethodNotSupported(err.Error())
}

func containsMethodNotSupported(s string) bool {
	const needle = "method not"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// rpcReceipt is the wire shape of eth_getTransactionReceipt /
// eth_getBlockReceipts entries, decoded only as far as the fields needed to
// reconstruct the receipt trie and check log membership.
type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Big     `json:"blockNumber"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	Status            *hexutil.Uint64 `json:"status"`
	Root              *common.Hash    `json:"root"`
	LogsBloom         hexutil.Bytes   `json:"logsBloom"`
	Logs              []*rpcLog       `json:"logs"`
	Type              hexutil.Uint64  `json:"type"`
}

type rpcLog struct {
	Address common.Address  `json:"address"`
	Topics  []common.Hash   `json:"topics"`
	Data    hexutil.Bytes   `json:"data"`
	Index   hexutil.Uint64  `json:"logIndex"`
}

func (r *rpcReceipt) toReceipt() *types.Receipt {
	status := uint64(types.ReceiptStatusFailed)
	if r.Status != nil {
		status = uint64(*r.Status)
	}
	receipt := &types.Receipt{
		Type:              uint8(r.Type),
		Status:            status,
		CumulativeGasUsed: uint64(r.CumulativeGasUsed),
		TxHash:            r.TransactionHash,
		GasUsed:           uint64(r.GasUsed),
		BlockHash:         r.BlockHash,
	}
	receipt.Logs = make([]*types.Log, len(r.Logs))
	for i, l := range r.Logs {
		receipt.Logs[i] = &types.Log{Address: l.Address, Topics: l.Topics, Data: l.Data, Index: uint(l.Index)}
	}
	receipt.Bloom = types.CreateBloom(receipt)
	return receipt
}
