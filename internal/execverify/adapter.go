// Package execverify is the Execution Engine Adapter: it materializes only
// the state an eth_call or eth_estimateGas actually touches, verifying every
// account, storage slot, and bytecode it installs, then runs the call
// through go-ethereum's own EVM so the result is byte-for-byte what a full
// node would have produced.
package execverify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ethlight/vproxy/internal/chainverify"
	"github.com/ethlight/vproxy/internal/upstream"
)

// ErrFeeFieldConflict is returned when a call mixes legacy and EIP-1559 fee
// fields, or specifies a priority fee above the fee cap, per spec §4.6 step 1.
var ErrFeeFieldConflict = errors.New("execverify: gasPrice is mutually exclusive with maxFeePerGas/maxPriorityFeePerGas")

const minCallGas = 21000

// CallRequest is the provider-facing shape of an eth_call/eth_estimateGas
// transaction object.
type CallRequest struct {
	From                 *common.Address
	To                   *common.Address
	Gas                  *uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Value                *big.Int
	Data                 []byte
}

// validate enforces spec §4.6 step 1's mutual-exclusion rule.
func (r *CallRequest) validate() error {
	if r.GasPrice != nil && (r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil) {
		return ErrFeeFieldConflict
	}
	if r.MaxPriorityFeePerGas != nil && r.MaxFeePerGas != nil && r.MaxPriorityFeePerGas.Cmp(r.MaxFeePerGas) > 0 {
		return fmt.Errorf("%w: maxPriorityFeePerGas > maxFeePerGas", ErrFeeFieldConflict)
	}
	return nil
}

func (r *CallRequest) toCallObject() *callObject {
	obj := &callObject{From: r.From, To: r.To, Data: r.Data}
	if r.Gas != nil {
		g := hexutil.Uint64(*r.Gas)
		obj.Gas = &g
	}
	if r.GasPrice != nil {
		obj.GasPrice = (*hexutil.Big)(r.GasPrice)
	} else if r.MaxFeePerGas != nil {
		obj.GasPrice = (*hexutil.Big)(r.MaxFeePerGas)
	}
	if r.Value != nil {
		obj.Value = (*hexutil.Big)(r.Value)
	}
	return obj
}

// Adapter is the Execution Engine Adapter over a verified chain and an
// untrusted upstream used only to discover which accounts a call touches.
type Adapter struct {
	chain       *chainverify.Verifier
	materialize *materializer
	chainConfig *params.ChainConfig
}

// New creates an Adapter. hardfork selects the params.ChainConfig build
// (see ChainConfigForHardfork); an empty string defaults to Cancun.
func New(chain *chainverify.Verifier, client *upstream.Client, chainID *big.Int, hardfork string) (*Adapter, error) {
	cfg, err := ChainConfigForHardfork(chainID, hardfork)
	if err != nil {
		return nil, err
	}
	return &Adapter{chain: chain, materialize: newMaterializer(client), chainConfig: cfg}, nil
}

// Call executes req read-only against the header resolved for blockNumber
// and returns the raw return data, per spec §4.6 steps 1, 2, and 6.
func (a *Adapter) Call(ctx context.Context, req *CallRequest, blockNumber uint64) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	header, err := a.chain.HeaderByNumber(ctx, blockNumber)
	if err != nil {
		return nil, err
	}

	statedb, materialized, err := a.materialize.materialize(ctx, header, req.toCallObject())
	if err != nil {
		return nil, err
	}

	gasLimit := header.GasLimit
	if req.Gas != nil {
		gasLimit = *req.Gas
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = req.MaxPriorityFeePerGas
	}

	result, err := a.run(ctx, header, statedb, materialized, req, gasLimit, gasPrice, true)
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, fmt.Errorf("execverify: call reverted: %w", result.Err)
	}
	return result.Return(), nil
}

// EstimateGas binary searches [21000, header.GasLimit] for the lowest gas
// limit that both succeeds and does not run out of gas, the standard
// eth_estimateGas algorithm referenced in spec §4.6.
func (a *Adapter) EstimateGas(ctx context.Context, req *CallRequest, blockNumber uint64) (uint64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	header, err := a.chain.HeaderByNumber(ctx, blockNumber)
	if err != nil {
		return 0, err
	}

	statedb, materialized, err := a.materialize.materialize(ctx, header, req.toCallObject())
	if err != nil {
		return 0, err
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = req.MaxPriorityFeePerGas
	}

	lo, hi := uint64(minCallGas), header.GasLimit
	succeeds := func(gas uint64) (bool, error) {
		result, err := a.run(ctx, header, statedb.Copy(), materialized, req, gas, gasPrice, false)
		if err != nil {
			return false, err
		}
		if result.Err != nil {
			return false, nil
		}
		return true, nil
	}

	ok, err := succeeds(hi)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("execverify: call fails even at header.gasLimit")
	}

	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		ok, err := succeeds(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

func (a *Adapter) run(ctx context.Context, header *types.Header, statedb *state.StateDB, materialized map[common.Address]bool, req *CallRequest, gasLimit uint64, gasPrice *big.Int, skipChecks bool) (*core.ExecutionResult, error) {
	strict := newStrictStateDB(statedb, materialized)
	chainCtx := newChainContext(ctx, a.chain, a.chainConfig)

	var author *common.Address = &header.Coinbase
	blockCtx := core.NewEVMBlockContext(header, chainCtx, author)

	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var from common.Address
	if req.From != nil {
		from = *req.From
	}

	msg := &core.Message{
		From:                  from,
		To:                    req.To,
		Value:                 value,
		GasLimit:              gasLimit,
		GasPrice:              gasPrice,
		GasFeeCap:             gasPrice,
		GasTipCap:             gasPrice,
		Data:                  req.Data,
		SkipNonceChecks:       skipChecks,
		SkipTransactionChecks: skipChecks,
	}

	evm := vm.NewEVM(blockCtx, strict, a.chainConfig, vm.Config{NoBaseFee: true})
	gp := new(core.GasPool).AddGas(math.MaxUint64)

	var result *core.ExecutionResult
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if missing, ok := r.(missingAccountError); ok {
					err = missing
					return
				}
				panic(r)
			}
		}()
		result, err = core.ApplyMessage(evm, msg, gp)
		return err
	}()
	if err != nil {
		return nil, err
	}
	return result, nil
}
