// Command vproxyd constructs a verifying Ethereum JSON-RPC provider over an
// untrusted upstream and a caller-supplied trusted head.
//
// Usage:
//
//	vproxyd [flags]
//
// Flags:
//
//	--upstream        Untrusted upstream JSON-RPC URL (required)
//	--trusted.number  Trusted head block number (required)
//	--trusted.hash    Trusted head block hash (required)
//	--chainid         Chain id (default: 1)
//	--hardfork        Highest active hardfork name (default: Cancun)
//	--history.window  Max blocks resolvable behind latest (default: 256)
//	--future.window    Max blocks resolvable ahead of latest (default: 3)
//	--verbosity       Log level 0-5 (default: 3)
//
// The inbound HTTP/JSON-RPC transport is an external collaborator (see
// spec §1's Non-goals): this binary wires configuration into a
// provider.Provider and logs readiness, it does not itself listen on a
// port.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethlight/vproxy/internal/vconfig"
	"github.com/ethlight/vproxy/provider"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, verbosityToLevel(cfg.verbosity), true)))

	log.Info("vproxyd starting",
		"upstream", cfg.config.UpstreamURL,
		"trusted.number", cfg.config.TrustedHeadNumber,
		"trusted.hash", cfg.config.TrustedHeadHash,
		"chainid", cfg.config.ChainID,
		"hardfork", cfg.config.Hardfork,
		"history.window", cfg.config.BlockHistoryWindow,
		"future.window", cfg.config.BlockFutureWindow,
	)

	p, err := provider.New(cfg.config)
	if err != nil {
		log.Error("failed to construct provider", "err", err)
		return 1
	}
	log.Info("provider ready; hand off to an HTTP/JSON-RPC transport to serve requests")
	_ = p

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
	return 0
}

// parsedConfig bundles the vconfig.Config the flag set populates with the
// raw verbosity level, which feeds the logger rather than the config.
type parsedConfig struct {
	config    vconfig.Config
	verbosity int
}

// parseFlags parses CLI arguments into a Config. Returns the parsed
// config, whether the caller should exit immediately, and the exit code.
func parseFlags(args []string) (parsedConfig, bool, int) {
	cfg := parsedConfig{config: vconfig.DefaultConfig(), verbosity: 3}
	fs := newFlagSet(&cfg)

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	if *showVersion {
		fmt.Println("vproxyd v0.1.0-dev")
		return cfg, true, 0
	}
	if err := cfg.config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return cfg, true, 1
	}
	return cfg, false, 0
}

// newFlagSet creates a flag.FlagSet that binds all CLI flags to cfg. The
// FlagSet uses ContinueOnError so callers control the error handling
// behavior.
func newFlagSet(cfg *parsedConfig) *flagSet {
	fs := newCustomFlagSet("vproxyd")
	fs.StringVar(&cfg.config.UpstreamURL, "upstream", cfg.config.UpstreamURL, "untrusted upstream JSON-RPC URL")
	fs.Uint64Var(&cfg.config.TrustedHeadNumber, "trusted.number", cfg.config.TrustedHeadNumber, "trusted head block number")
	fs.Var(&hashValue{&cfg.config.TrustedHeadHash}, "trusted.hash", "trusted head block hash (0x-prefixed)")
	fs.Var(&bigIntValue{&cfg.config.ChainID}, "chainid", "chain id")
	fs.StringVar(&cfg.config.Hardfork, "hardfork", cfg.config.Hardfork, "highest active hardfork name")
	fs.Uint64Var(&cfg.config.BlockHistoryWindow, "history.window", cfg.config.BlockHistoryWindow, "max blocks resolvable behind latest")
	fs.Uint64Var(&cfg.config.BlockFutureWindow, "future.window", cfg.config.BlockFutureWindow, "max blocks resolvable ahead of latest")
	fs.IntVar(&cfg.verbosity, "verbosity", cfg.verbosity, "log level 0-5 (0=silent, 5=trace)")
	return fs
}
