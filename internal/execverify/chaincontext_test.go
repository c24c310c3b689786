package execverify

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestChainContextGetHeaderReturnsMatchingHeader(t *testing.T) {
	header := &types.Header{Number: big.NewInt(5), Extra: []byte("x")}
	cc := &chainContext{
		ctx: context.Background(),
		byNumber: func(ctx context.Context, number uint64) (*types.Header, error) {
			if number != 5 {
				t.Fatalf("unexpected number %d", number)
			}
			return header, nil
		},
	}
	got := cc.GetHeader(header.Hash(), 5)
	if got == nil || got.Hash() != header.Hash() {
		t.Fatal("expected GetHeader to return the matching header")
	}
}

func TestChainContextGetHeaderRejectsHashMismatch(t *testing.T) {
	header := &types.Header{Number: big.NewInt(5)}
	cc := &chainContext{
		ctx:      context.Background(),
		byNumber: func(ctx context.Context, number uint64) (*types.Header, error) { return header, nil },
	}
	if got := cc.GetHeader(common.HexToHash("0xdead"), 5); got != nil {
		t.Fatal("expected nil for mismatched hash")
	}
}

func TestChainContextGetHeaderReturnsNilOnFetchError(t *testing.T) {
	cc := &chainContext{
		ctx:      context.Background(),
		byNumber: func(ctx context.Context, number uint64) (*types.Header, error) { return nil, errors.New("boom") },
	}
	if got := cc.GetHeader(common.Hash{}, 5); got != nil {
		t.Fatal("expected nil on fetch error")
	}
}

func TestChainContextEngineAuthorReturnsCoinbase(t *testing.T) {
	cc := &chainContext{}
	header := &types.Header{Coinbase: common.HexToAddress("0xabc")}
	author, err := cc.Engine().Author(header)
	if err != nil {
		t.Fatalf("Author: %v", err)
	}
	if author != header.Coinbase {
		t.Fatalf("expected author %s, got %s", header.Coinbase, author)
	}
}
