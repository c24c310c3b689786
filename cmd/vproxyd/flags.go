package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// flagSet wraps flag.FlagSet to add support for uint64 flags, which the
// standard flag package does not provide directly.
type flagSet struct {
	*flag.FlagSet
}

// newCustomFlagSet creates a flagSet with ContinueOnError behavior, so
// callers control how parse errors are reported rather than the flag
// package exiting the process directly.
func newCustomFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &flagSet{FlagSet: fs}
}

// Uint64Var defines a uint64 flag.
func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	fs.FlagSet.Var(&uint64Value{p: p}, name, usage)
	*p = value
}

type uint64Value struct{ p *uint64 }

func (v *uint64Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(*v.p, 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v.p = n
	return nil
}

// hashValue implements flag.Value for a 0x-prefixed common.Hash flag.
type hashValue struct{ p *common.Hash }

func (v *hashValue) String() string {
	if v.p == nil {
		return ""
	}
	return v.p.Hex()
}

func (v *hashValue) Set(s string) error {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return fmt.Errorf("invalid hash value %q: want a 0x-prefixed 32-byte hex string", s)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid hash value %q: %w", s, err)
	}
	*v.p = common.BytesToHash(b)
	return nil
}

// bigIntValue implements flag.Value for a decimal *big.Int flag.
type bigIntValue struct{ p **big.Int }

func (v *bigIntValue) String() string {
	if v.p == nil || *v.p == nil {
		return "0"
	}
	return (*v.p).String()
}

func (v *bigIntValue) Set(s string) error {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer value %q", s)
	}
	*v.p = n
	return nil
}

// verbosityToLevel maps a 0-5 verbosity flag to a go-ethereum log level,
// mirroring the teacher's setupLogging mapping.
func verbosityToLevel(verbosity int) slog.Level {
	var lvl slog.Level
	switch {
	case verbosity <= 0:
		lvl = log.LevelCrit
	case verbosity == 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	case verbosity == 4:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	return lvl
}
