package provider

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/ethlight/vproxy/internal/chainverify"
	"github.com/ethlight/vproxy/internal/headstore"
	"github.com/ethlight/vproxy/internal/logverify"
	"github.com/ethlight/vproxy/internal/upstream"
)

// fixtureAccount installs an account into a test trie and records its
// eth_getProof-shaped proof against the resulting root.
type fixtureAccount struct {
	addr    common.Address
	nonce   uint64
	balance *big.Int
	proof   []string
}

func buildFixtureTrie(t *testing.T, accounts []*fixtureAccount) common.Hash {
	db := triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil)
	tr := gethtrie.NewEmpty(db)

	for _, a := range accounts {
		balance, _ := uint256.FromBig(a.balance)
		account := &types.StateAccount{Nonce: a.nonce, Balance: balance, Root: types.EmptyRootHash, CodeHash: types.EmptyCodeHash.Bytes()}
		encoded, err := rlp.EncodeToBytes(account)
		if err != nil {
			t.Fatalf("encode account: %v", err)
		}
		if err := tr.Update(crypto.Keccak256(a.addr.Bytes()), encoded); err != nil {
			t.Fatalf("trie update: %v", err)
		}
	}
	root := tr.Hash()

	for _, a := range accounts {
		proofDB := memorydb.New()
		if err := tr.Prove(crypto.Keccak256(a.addr.Bytes()), proofDB); err != nil {
			t.Fatalf("trie prove: %v", err)
		}
		it := proofDB.NewIterator(nil, nil)
		for it.Next() {
			a.proof = append(a.proof, "0x"+common.Bytes2Hex(it.Value()))
		}
		it.Release()
	}
	return root
}

func hexU64(v uint64) string { return "0x" + new(big.Int).SetUint64(v).Text(16) }

// newFixtureServer answers eth_getBlockByHash/eth_getBlockByNumber and
// eth_getProof for a single header/account pair, optionally corrupting the
// account proof to exercise the tamper-detection path (S6).
func newFixtureServer(t *testing.T, header *types.Header, acct *fixtureAccount, corruptProof bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		method := req["method"].(string)

		var result any
		switch method {
		case "eth_getBlockByHash", "eth_getBlockByNumber":
			result = map[string]any{
				"number":           hexU64(header.Number.Uint64()),
				"hash":             header.Hash(),
				"parentHash":       header.ParentHash,
				"nonce":            "0x0000000000000000",
				"sha3Uncles":       header.UncleHash,
				"logsBloom":        "0x" + common.Bytes2Hex(header.Bloom.Bytes()),
				"transactionsRoot": header.TxHash,
				"stateRoot":        header.Root,
				"receiptsRoot":     header.ReceiptHash,
				"miner":            header.Coinbase,
				"difficulty":       "0x0",
				"extraData":        "0x",
				"gasLimit":         hexU64(header.GasLimit),
				"gasUsed":          hexU64(header.GasUsed),
				"timestamp":        hexU64(header.Time),
				"baseFeePerGas":    "0x0",
				"mixHash":          header.MixDigest,
				"uncles":           []string{},
				"transactions":     []string{},
			}
		case "eth_getProof":
			proof := acct.proof
			if corruptProof && len(proof) > 0 {
				tampered := make([]string, len(proof))
				copy(tampered, proof)
				tampered[0] = tampered[0][:len(tampered[0])-1] + "0"
				proof = tampered
			}
			result = map[string]any{
				"address":      acct.addr,
				"balance":      "0x" + acct.balance.Text(16),
				"codeHash":     types.EmptyCodeHash,
				"nonce":        hexU64(acct.nonce),
				"storageHash":  types.EmptyRootHash,
				"accountProof": proof,
				"storageProof": []any{},
			}
		case "eth_getCode":
			result = "0x"
		default:
			t.Fatalf("unexpected method %q", method)
		}

		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": result})
	}))
}

func testHeader(number uint64, root common.Hash) *types.Header {
	return &types.Header{
		ParentHash:  common.Hash{},
		UncleHash:   types.EmptyUncleHash,
		Root:        root,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Number:      big.NewInt(0).SetUint64(number),
		Difficulty:  big.NewInt(0),
		GasLimit:    30_000_000,
		Time:        1_700_000_000,
		BaseFee:     big.NewInt(0),
	}
}

func TestBlockNumberReturnsStoreLatest(t *testing.T) {
	p := &Provider{store: headstore.New(42, common.HexToHash("0xaa"))}
	got, err := p.BlockNumber(context.Background())
	if err != nil || got != 42 {
		t.Fatalf("BlockNumber() = %d, %v; want 42, nil", got, err)
	}
}

func TestResolveBlockNumberRejectsUnsupportedTags(t *testing.T) {
	p := &Provider{store: headstore.New(100, common.HexToHash("0xaa")), historyWindow: 256, futureWindow: 3}
	for _, tag := range []string{"pending", "earliest", "finalized", "safe"} {
		if _, err := p.resolveBlockNumber(context.Background(), tag); err == nil {
			t.Fatalf("tag %q: expected InvalidParams error", tag)
		} else if perr, ok := err.(*Error); !ok || perr.Kind != InvalidParams {
			t.Fatalf("tag %q: got %v, want InvalidParams", tag, err)
		}
	}
}

func TestResolveBlockNumberRejectsOutsideWindow(t *testing.T) {
	p := &Provider{store: headstore.New(1000, common.HexToHash("0xaa")), historyWindow: 256, futureWindow: 3}
	if _, err := p.resolveBlockNumber(context.Background(), hexutilEncode(1000-257)); err == nil {
		t.Fatal("expected error for a block below the history window")
	}
	if _, err := p.resolveBlockNumber(context.Background(), hexutilEncode(1004)); err == nil {
		t.Fatal("expected error for a block beyond the future window")
	}
}

func TestResolveBlockNumberWaitsForFutureBlock(t *testing.T) {
	p := &Provider{store: headstore.New(10, common.HexToHash("0xaa")), historyWindow: 256, futureWindow: 3}

	done := make(chan uint64, 1)
	errs := make(chan error, 1)
	go func() {
		n, err := p.resolveBlockNumber(context.Background(), hexutilEncode(11))
		done <- n
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.store.Update(common.HexToHash("0xbb"), 11)

	select {
	case n := <-done:
		if err := <-errs; err != nil {
			t.Fatalf("resolveBlockNumber: %v", err)
		}
		if n != 11 {
			t.Fatalf("resolveBlockNumber() = %d, want 11", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolveBlockNumber did not unblock after Update")
	}
}

func TestGetBalanceReturnsVerifiedBalance(t *testing.T) {
	acct := &fixtureAccount{addr: common.HexToAddress("0xaaaa"), nonce: 3, balance: big.NewInt(123456)}
	root := buildFixtureTrie(t, []*fixtureAccount{acct})
	header := testHeader(10, root)

	srv := newFixtureServer(t, header, acct, false)
	defer srv.Close()

	p := newTestProvider(srv.URL, header)

	got, err := p.GetBalance(context.Background(), acct.addr, "latest")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.Cmp(acct.balance) != 0 {
		t.Fatalf("GetBalance() = %s, want %s", got, acct.balance)
	}
}

// TestGetBalanceTamperedProofFailsInternal is scenario S6: a mocked
// upstream that alters one nibble of an accountProof entry must cause
// getBalance to fail Internal and never return a value.
func TestGetBalanceTamperedProofFailsInternal(t *testing.T) {
	acct := &fixtureAccount{addr: common.HexToAddress("0xaaaa"), nonce: 3, balance: big.NewInt(123456)}
	root := buildFixtureTrie(t, []*fixtureAccount{acct})
	header := testHeader(10, root)

	srv := newFixtureServer(t, header, acct, true)
	defer srv.Close()

	p := newTestProvider(srv.URL, header)

	_, err := p.GetBalance(context.Background(), acct.addr, "latest")
	if err == nil {
		t.Fatal("expected tampered proof to fail verification")
	}
	if perr, ok := err.(*Error); !ok || perr.Kind != Internal {
		t.Fatalf("got %v, want Internal", err)
	}
}

func TestSendRawTransactionReturnsLocallyComputedHash(t *testing.T) {
	signer := types.NewEIP155Signer(big.NewInt(1))
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx := types.NewTransaction(0, common.HexToAddress("0xbbbb"), big.NewInt(1), 21000, big.NewInt(1), nil)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		// Return a deliberately wrong hash: the provider must ignore it.
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": common.HexToHash("0xdead")})
	}))
	defer srv.Close()

	client := upstream.New(srv.URL)
	p := &Provider{client: client}

	got, err := p.SendRawTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("SendRawTransaction: %v", err)
	}
	if got != signedTx.Hash() {
		t.Fatalf("SendRawTransaction() = %s, want %s", got, signedTx.Hash())
	}
}

func newTestProvider(url string, header *types.Header) *Provider {
	client := upstream.New(url)
	store := headstore.New(header.Number.Uint64(), header.Hash())
	chain := chainverify.New(client, store)
	logs := logverify.New(chain, client)
	return &Provider{client: client, store: store, chain: chain, logs: logs, historyWindow: 256, futureWindow: 3}
}

func hexutilEncode(n uint64) string { return hexU64(n) }
