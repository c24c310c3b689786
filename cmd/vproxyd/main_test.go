package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestVersionFlag(t *testing.T) {
	code := run([]string{"--version"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

const testTrustedHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func TestParseFlagsWellFormed(t *testing.T) {
	hash := testTrustedHash
	cfg, exit, code := parseFlags([]string{
		"--upstream", "https://example.invalid",
		"--trusted.number", "100",
		"--trusted.hash", hash,
		"--chainid", "1",
		"--hardfork", "Cancun",
	})
	if exit {
		t.Fatalf("expected no exit, got code %d", code)
	}
	if cfg.config.UpstreamURL != "https://example.invalid" {
		t.Fatalf("unexpected upstream url: %s", cfg.config.UpstreamURL)
	}
	if cfg.config.TrustedHeadNumber != 100 {
		t.Fatalf("unexpected trusted head number: %d", cfg.config.TrustedHeadNumber)
	}
	if cfg.config.TrustedHeadHash != common.HexToHash(hash) {
		t.Fatalf("unexpected trusted head hash: %s", cfg.config.TrustedHeadHash)
	}
	if cfg.config.BlockHistoryWindow == 0 {
		t.Fatalf("expected a non-zero default history window")
	}
	if cfg.config.BlockFutureWindow == 0 {
		t.Fatalf("expected a non-zero default future window")
	}
}

func TestParseFlagsRejectsMalformedHash(t *testing.T) {
	_, exit, code := parseFlags([]string{
		"--upstream", "https://example.invalid",
		"--trusted.number", "100",
		"--trusted.hash", "not-a-hash",
	})
	if !exit || code != 2 {
		t.Fatalf("expected a parse error exit, got exit=%v code=%d", exit, code)
	}
}

func TestParseFlagsRejectsMissingUpstream(t *testing.T) {
	_, exit, code := parseFlags([]string{
		"--trusted.number", "100",
		"--trusted.hash", testTrustedHash,
	})
	if !exit || code != 1 {
		t.Fatalf("expected a validation error exit, got exit=%v code=%d", exit, code)
	}
}

func TestVerbosityToLevel(t *testing.T) {
	if verbosityToLevel(3) != verbosityToLevel(3) {
		t.Fatalf("verbosityToLevel should be deterministic")
	}
	if verbosityToLevel(0) == verbosityToLevel(5) {
		t.Fatalf("expected silent and trace verbosity to map to different levels")
	}
}
