package execverify

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ethlight/vproxy/internal/chainverify"
)

// headerByNumber is the minimal seam this package needs from the Header &
// Block Verifier / Trusted-Head Store pair to answer BLOCKHASH lookups.
type headerByNumber func(ctx context.Context, number uint64) (*types.Header, error)

// chainContext implements go-ethereum's core.ChainContext, the interface
// core.NewEVMBlockContext uses to resolve the BLOCKHASH opcode. Per design
// note "EVM blockchain patch", this is the one place the Trusted-Head Store
// is injected into EVM execution: GetHeader never returns a header the
// store has not already verified.
type chainContext struct {
	ctx      context.Context
	byNumber headerByNumber
	chainCfg *params.ChainConfig
}

// newChainContext builds a chainContext over a chainverify.Verifier.
func newChainContext(ctx context.Context, chain *chainverify.Verifier, cfg *params.ChainConfig) *chainContext {
	return &chainContext{ctx: ctx, byNumber: chain.HeaderByNumber, chainCfg: cfg}
}

// Engine returns a faked ethash engine, the same non-mining, non-verifying
// consensus.Engine go-ethereum's own chain-generation helpers use wherever a
// real engine is required by the interface but never actually asked to mine
// or verify. Author is the only method NewEVMBlockContext calls on it here,
// since the adapter always passes an explicit coinbase author; Author
// returned by the faker defers to the header's own Coinbase field.
func (c *chainContext) Engine() consensus.Engine {
	return ethash.NewFaker()
}

func (c *chainContext) GetHeader(hash common.Hash, number uint64) *types.Header {
	header, err := c.byNumber(c.ctx, number)
	if err != nil {
		log.Debug("execverify: BLOCKHASH lookup failed", "number", number, "err", err)
		return nil
	}
	if header.Hash() != hash {
		return nil
	}
	return header
}

func (c *chainContext) Config() *params.ChainConfig {
	return c.chainCfg
}

// CurrentHeader, GetHeaderByNumber, and GetHeaderByHash complete the
// consensus.ChainHeaderReader interface go-ethereum's core.ChainContext now
// embeds. None of them are reachable from core.NewEVMBlockContext's own
// code path (it only calls Engine, Config, and GetHeader for BLOCKHASH, per
// the comment above), so they are not wired to anything.
func (c *chainContext) CurrentHeader() *types.Header {
	return nil
}

func (c *chainContext) GetHeaderByNumber(number uint64) *types.Header {
	return nil
}

func (c *chainContext) GetHeaderByHash(hash common.Hash) *types.Header {
	return nil
}
