// Package provider is the Verifying Provider façade: one Go method per
// supported JSON-RPC operation, each resolving its block tag against the
// Trusted-Head Store and returning only state every lower layer has
// independently verified. Nothing above this package ever sees an
// unverified value.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ethlight/vproxy/internal/blobkzg"
	"github.com/ethlight/vproxy/internal/chainverify"
	"github.com/ethlight/vproxy/internal/execverify"
	"github.com/ethlight/vproxy/internal/headstore"
	"github.com/ethlight/vproxy/internal/logverify"
	"github.com/ethlight/vproxy/internal/stateproof"
	"github.com/ethlight/vproxy/internal/upstream"
	"github.com/ethlight/vproxy/internal/vconfig"
)

// Provider is the top-level verifying JSON-RPC provider. It owns one
// instance of every verification component and is safe for concurrent use
// by many request goroutines; the only internally mutated state is the
// Trusted-Head Store, which is itself safe for concurrent use.
type Provider struct {
	client *upstream.Client
	store  *headstore.Store
	chain  *chainverify.Verifier
	logs   *logverify.Verifier
	exec   *execverify.Adapter
	blob   *blobkzg.Verifier

	chainID       *big.Int
	historyWindow uint64
	futureWindow  uint64
}

// New constructs a Provider from cfg. KZGTrustedSetup only gates whether
// blob-sidecar validation on sendRawTransaction is enabled; go-eth-kzg
// carries its own embedded ceremony setup, so the bytes themselves are not
// consumed here.
func New(cfg vconfig.Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := upstream.New(cfg.UpstreamURL)
	store := headstore.New(cfg.TrustedHeadNumber, cfg.TrustedHeadHash)
	chain := chainverify.New(client, store)
	logs := logverify.New(chain, client)

	exec, err := execverify.New(chain, client, cfg.ChainID, cfg.Hardfork)
	if err != nil {
		return nil, err
	}

	var blob *blobkzg.Verifier
	if len(cfg.KZGTrustedSetup) > 0 {
		blob, err = blobkzg.New()
		if err != nil {
			return nil, fmt.Errorf("provider: initialize blob verifier: %w", err)
		}
	}

	return &Provider{
		client:        client,
		store:         store,
		chain:         chain,
		logs:          logs,
		exec:          exec,
		blob:          blob,
		chainID:       cfg.ChainID,
		historyWindow: cfg.BlockHistoryWindow,
		futureWindow:  cfg.BlockFutureWindow,
	}, nil
}

// Update feeds a newly trusted (hash, number) pair into the Trusted-Head
// Store. It is the only way new trust enters the system; callers (an
// external head-follower) are responsible for sourcing hash out-of-band.
func (p *Provider) Update(hash common.Hash, number uint64) {
	p.store.Update(hash, number)
}

// resolveBlockNumber implements the block-tag resolution policy of spec
// §4.7: "latest" resolves immediately, pending/earliest/finalized/safe are
// rejected outright, and an explicit number must fall within
// [latest-historyWindow, latest+futureWindow], suspending via WaitFor when
// it names a block not yet trusted.
func (p *Provider) resolveBlockNumber(ctx context.Context, tag string) (uint64, error) {
	switch tag {
	case "", "latest":
		return p.store.Latest(), nil
	case "pending", "earliest", "finalized", "safe":
		return 0, invalidParams(fmt.Errorf("block tag %q is not supported", tag))
	}

	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, invalidParams(fmt.Errorf("invalid block tag %q: %w", tag, err))
	}

	latest := p.store.Latest()
	var lowerBound uint64
	if latest > p.historyWindow {
		lowerBound = latest - p.historyWindow
	}
	if n < lowerBound || n > latest+p.futureWindow {
		return 0, invalidParams(fmt.Errorf("block %d is outside the allowed window [%d, %d]", n, lowerBound, latest+p.futureWindow))
	}

	if n > latest {
		if err := p.store.WaitFor(ctx, n); err != nil {
			return 0, internal(err)
		}
	}
	return n, nil
}

// BlockNumber returns the current latest trusted block number.
func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.store.Latest(), nil
}

// ChainID returns the configured chain id.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.chainID, nil
}

// rpcAccountProof mirrors the eth_getProof wire shape; kept separate from
// execverify's identically-shaped type since that one is unexported.
type rpcAccountProof struct {
	Address      common.Address         `json:"address"`
	Balance      *hexutil.Big           `json:"balance"`
	CodeHash     common.Hash            `json:"codeHash"`
	Nonce        hexutil.Uint64         `json:"nonce"`
	StorageHash  common.Hash            `json:"storageHash"`
	AccountProof []hexutil.Bytes        `json:"accountProof"`
	StorageProof []rpcStorageProofEntry `json:"storageProof"`
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

// fetchVerifiedAccount resolves tag, fetches eth_getProof for addr against
// that block, and verifies it against the header's state root per spec
// §4.4, returning both the verified proof and the header it was verified
// against.
func (p *Provider) fetchVerifiedAccount(ctx context.Context, addr common.Address, tag string) (*stateproof.AccountProof, *types.Header, error) {
	number, err := p.resolveBlockNumber(ctx, tag)
	if err != nil {
		return nil, nil, err
	}
	header, err := p.chain.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, nil, internal(err)
	}

	var wire rpcAccountProof
	if err := p.client.Call(ctx, &wire, "eth_getProof", addr, []common.Hash{}, hexutil.EncodeBig(header.Number)); err != nil {
		return nil, nil, internal(fmt.Errorf("eth_getProof: %w", err))
	}
	proof := wire.toAccountProof()
	if err := stateproof.VerifyAccount(header.Root, proof); err != nil {
		return nil, nil, internal(err)
	}
	return proof, header, nil
}

// GetBalance returns addr's verified balance at tag.
func (p *Provider) GetBalance(ctx context.Context, addr common.Address, tag string) (*big.Int, error) {
	proof, _, err := p.fetchVerifiedAccount(ctx, addr, tag)
	if err != nil {
		return nil, err
	}
	return proof.Balance, nil
}

// GetTransactionCount returns addr's verified nonce at tag.
func (p *Provider) GetTransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error) {
	proof, _, err := p.fetchVerifiedAccount(ctx, addr, tag)
	if err != nil {
		return 0, err
	}
	return proof.Nonce, nil
}

// GetCode returns addr's verified bytecode at tag, checked against the
// account proof's codeHash per spec §4.4 invariant 3.
func (p *Provider) GetCode(ctx context.Context, addr common.Address, tag string) ([]byte, error) {
	proof, header, err := p.fetchVerifiedAccount(ctx, addr, tag)
	if err != nil {
		return nil, err
	}

	var code hexutil.Bytes
	if err := p.client.Call(ctx, &code, "eth_getCode", addr, hexutil.EncodeBig(header.Number)); err != nil {
		return nil, internal(fmt.Errorf("eth_getCode: %w", err))
	}
	if err := stateproof.VerifyCode(code, proof.CodeHash); err != nil {
		return nil, internal(err)
	}
	return []byte(code), nil
}

// GetBlockByNumber returns the verified block at tag.
func (p *Provider) GetBlockByNumber(ctx context.Context, tag string) (*types.Block, error) {
	number, err := p.resolveBlockNumber(ctx, tag)
	if err != nil {
		return nil, err
	}
	return p.blockByNumber(ctx, number)
}

// GetBlockByHash returns the verified block for hash.
func (p *Provider) GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	header, err := p.chain.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, internal(err)
	}
	block, err := p.chain.Block(ctx, header)
	if err != nil {
		return nil, internal(err)
	}
	return block, nil
}

func (p *Provider) blockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	header, err := p.chain.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, internal(err)
	}
	block, err := p.chain.Block(ctx, header)
	if err != nil {
		return nil, internal(err)
	}
	return block, nil
}

// FilterQuery is the provider-facing shape of an eth_getLogs filter.
type FilterQuery struct {
	FromBlock string
	ToBlock   string
	Addresses []common.Address
	Topics    [][]common.Hash
}

type rpcLogEntry struct {
	Address          common.Address  `json:"address"`
	Topics           []common.Hash   `json:"topics"`
	Data             hexutil.Bytes   `json:"data"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
	BlockHash        *common.Hash    `json:"blockHash"`
	LogIndex         *hexutil.Uint64 `json:"logIndex"`
	TransactionHash  *common.Hash    `json:"transactionHash"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
}

func (r *rpcLogEntry) toVerifierLog() logverify.Log {
	return logverify.Log{
		Address:          r.Address,
		Topics:           r.Topics,
		Data:             r.Data,
		BlockNumber:      r.BlockNumber,
		BlockHash:        r.BlockHash,
		LogIndex:         r.LogIndex,
		TransactionHash:  r.TransactionHash,
		TransactionIndex: r.TransactionIndex,
	}
}

func (r *rpcLogEntry) toTypesLog() *types.Log {
	l := &types.Log{Address: r.Address, Topics: r.Topics, Data: r.Data}
	if r.BlockNumber != nil {
		l.BlockNumber = uint64(*r.BlockNumber)
	}
	if r.BlockHash != nil {
		l.BlockHash = *r.BlockHash
	}
	if r.TransactionHash != nil {
		l.TxHash = *r.TransactionHash
	}
	if r.TransactionIndex != nil {
		l.TxIndex = uint(*r.TransactionIndex)
	}
	if r.LogIndex != nil {
		l.Index = uint(*r.LogIndex)
	}
	return l
}

// GetLogs resolves the filter's block range and returns every matching log
// after verifying each one belongs to a receipt in a verified block, per
// spec §4.5.
func (p *Provider) GetLogs(ctx context.Context, filter FilterQuery) ([]*types.Log, error) {
	from, err := p.resolveBlockNumber(ctx, filter.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := p.resolveBlockNumber(ctx, filter.ToBlock)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"fromBlock": hexutil.Uint64(from),
		"toBlock":   hexutil.Uint64(to),
	}
	if len(filter.Addresses) > 0 {
		params["address"] = filter.Addresses
	}
	if len(filter.Topics) > 0 {
		params["topics"] = filter.Topics
	}

	var wire []rpcLogEntry
	if err := p.client.Call(ctx, &wire, "eth_getLogs", params); err != nil {
		return nil, internal(fmt.Errorf("eth_getLogs: %w", err))
	}

	verifierLogs := make([]logverify.Log, len(wire))
	for i := range wire {
		verifierLogs[i] = wire[i].toVerifierLog()
	}
	if err := p.logs.Verify(ctx, verifierLogs); err != nil {
		return nil, internal(err)
	}

	out := make([]*types.Log, len(wire))
	for i := range wire {
		out[i] = wire[i].toTypesLog()
	}
	return out, nil
}

// Call executes req read-only at tag and returns its raw return data.
func (p *Provider) Call(ctx context.Context, req *execverify.CallRequest, tag string) ([]byte, error) {
	number, err := p.resolveBlockNumber(ctx, tag)
	if err != nil {
		return nil, err
	}
	result, err := p.exec.Call(ctx, req, number)
	if err != nil {
		return nil, classifyExecError(err)
	}
	return result, nil
}

// EstimateGas binary-searches the lowest gas limit req succeeds with at tag.
func (p *Provider) EstimateGas(ctx context.Context, req *execverify.CallRequest, tag string) (uint64, error) {
	number, err := p.resolveBlockNumber(ctx, tag)
	if err != nil {
		return 0, err
	}
	gas, err := p.exec.EstimateGas(ctx, req, number)
	if err != nil {
		return 0, classifyExecError(err)
	}
	return gas, nil
}

// classifyExecError maps the Execution Engine Adapter's caller-input errors
// (fee field conflicts) to InvalidParams and everything else (verification
// failures, EVM errors, upstream failures) to Internal.
func classifyExecError(err error) *Error {
	if errors.Is(err, execverify.ErrFeeFieldConflict) {
		return invalidParams(err)
	}
	return internal(err)
}

// SendRawTransaction forwards raw opaquely to the upstream and returns the
// transaction hash recomputed locally from the decoded bytes, per spec
// §4.7, so the caller can detect upstream tampering with the returned hash.
// If raw carries a blob sidecar and blob verification is configured, the
// sidecar is checked against the transaction's versioned hashes before
// forwarding.
func (p *Provider) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, invalidParams(fmt.Errorf("decode raw transaction: %w", err))
	}

	if p.blob != nil {
		if sidecar := tx.BlobTxSidecar(); sidecar != nil {
			hashes := tx.BlobHashes()
			blobs := make([][]byte, len(sidecar.Blobs))
			commitments := make([][]byte, len(sidecar.Commitments))
			proofs := make([][]byte, len(sidecar.Proofs))
			for i := range sidecar.Blobs {
				blobs[i] = sidecar.Blobs[i][:]
				commitments[i] = sidecar.Commitments[i][:]
				proofs[i] = sidecar.Proofs[i][:]
			}
			if err := p.blob.VerifySidecar(blobs, commitments, proofs, hashes); err != nil {
				return common.Hash{}, internal(fmt.Errorf("blob sidecar verification: %w", err))
			}
		}
	}

	var ignored common.Hash
	if err := p.client.Call(ctx, &ignored, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, internal(fmt.Errorf("eth_sendRawTransaction: %w", err))
	}
	return tx.Hash(), nil
}

// Receipt is the partially-verified shape getTransactionReceipt returns.
// Block and transaction membership are verified against the Header & Block
// Verifier; per design note 9(a) the numeric and log fields are not yet
// checked against the receipt trie and are returned zeroed.
type Receipt struct {
	TransactionHash  common.Hash
	BlockHash        common.Hash
	BlockNumber      uint64
	TransactionIndex uint64

	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
	Logs              []*types.Log
}

type rpcReceiptHeader struct {
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	BlockHash        common.Hash    `json:"blockHash"`
	BlockNumber      hexutil.Big    `json:"blockNumber"`
}

// GetTransactionReceipt returns the partially-verified receipt for hash, or
// nil if the upstream reports no such transaction, matching the Ethereum
// RPC convention of returning null for a missing receipt.
func (p *Provider) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var wire *rpcReceiptHeader
	if err := p.client.Call(ctx, &wire, "eth_getTransactionReceipt", hash); err != nil {
		return nil, internal(fmt.Errorf("eth_getTransactionReceipt: %w", err))
	}
	if wire == nil {
		return nil, nil
	}

	number := (*big.Int)(&wire.BlockNumber).Uint64()
	header, err := p.chain.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, internal(err)
	}
	block, err := p.chain.Block(ctx, header)
	if err != nil {
		return nil, internal(err)
	}
	if block.Hash() != wire.BlockHash {
		return nil, internal(fmt.Errorf("receipt block hash %s does not match verified block %s", wire.BlockHash, block.Hash()))
	}

	txs := block.Transactions()
	idx := uint64(wire.TransactionIndex)
	if idx >= uint64(len(txs)) || txs[idx].Hash() != wire.TransactionHash {
		return nil, internal(fmt.Errorf("receipt transaction %s not found at index %d in verified block", wire.TransactionHash, idx))
	}

	return &Receipt{
		TransactionHash:  wire.TransactionHash,
		BlockHash:        wire.BlockHash,
		BlockNumber:      number,
		TransactionIndex: idx,
	}, nil
}
