// Package vconfig holds startup configuration for the verifying proxy:
// where the untrusted upstream is, which block to trust as the initial
// head, and which chain rules to run the EVM under.
package vconfig

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all configuration needed to construct a Provider.
type Config struct {
	// UpstreamURL is the untrusted JSON-RPC endpoint this proxy forwards
	// data-fetching work to.
	UpstreamURL string

	// TrustedHeadNumber and TrustedHeadHash seed the Trusted-Head Store.
	// They must come from an out-of-band trusted source, never from the
	// upstream itself.
	TrustedHeadNumber uint64
	TrustedHeadHash   common.Hash

	// ChainID selects the chain id used to build the EVM's chain config.
	ChainID *big.Int

	// Hardfork names the highest active hardfork (e.g. "Cancun"); an empty
	// string defaults to Cancun.
	Hardfork string

	// BlockHistoryWindow and BlockFutureWindow bound which block tags the
	// Verifying Provider will resolve relative to the latest trusted head:
	// [latest-BlockHistoryWindow, latest+BlockFutureWindow].
	BlockHistoryWindow uint64
	BlockFutureWindow  uint64

	// KZGTrustedSetup, if non-nil, enables versioned-blob-hash validation
	// for sendRawTransaction on blob-carrying transactions.
	KZGTrustedSetup []byte
}

// DefaultConfig returns a Config with sensible defaults; UpstreamURL,
// TrustedHeadNumber, and TrustedHeadHash have no sane default and must
// always be set by the caller.
func DefaultConfig() Config {
	return Config{
		ChainID:            big.NewInt(1),
		Hardfork:           "Cancun",
		BlockHistoryWindow: 256,
		BlockFutureWindow:  3,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return errors.New("vconfig: upstream url must not be empty")
	}
	if c.TrustedHeadHash == (common.Hash{}) {
		return errors.New("vconfig: trusted head hash must not be the zero hash")
	}
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("vconfig: invalid chain id: %v", c.ChainID)
	}
	if c.BlockFutureWindow == 0 {
		return errors.New("vconfig: block future window must be positive")
	}
	return nil
}
