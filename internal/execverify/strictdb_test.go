package execverify

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

func newTestStateDB(t *testing.T) *state.StateDB {
	db := state.NewDatabase(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil), nil)
	sdb, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return sdb
}

func TestStrictStateDBAllowsMaterializedAddress(t *testing.T) {
	addr := common.HexToAddress("0x1")
	sdb := newTestStateDB(t)
	sdb.SetNonce(addr, 3, tracing.NonceChangeUnspecified)

	strict := newStrictStateDB(sdb, map[common.Address]bool{addr: true})
	if got := strict.GetNonce(addr); got != 3 {
		t.Fatalf("GetNonce = %d, want 3", got)
	}
}

func TestStrictStateDBPanicsOnUnmaterializedAddress(t *testing.T) {
	addr := common.HexToAddress("0x1")
	other := common.HexToAddress("0x2")
	sdb := newTestStateDB(t)
	strict := newStrictStateDB(sdb, map[common.Address]bool{addr: true})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for unmaterialized address read")
		}
		if _, ok := r.(missingAccountError); !ok {
			t.Fatalf("panic value = %#v, want missingAccountError", r)
		}
	}()
	strict.GetBalance(other)
}

func TestStrictStateDBBalanceMatchesInstalledValue(t *testing.T) {
	addr := common.HexToAddress("0x1")
	sdb := newTestStateDB(t)
	sdb.AddBalance(addr, uint256.NewInt(500), tracing.BalanceChangeUnspecified)

	strict := newStrictStateDB(sdb, map[common.Address]bool{addr: true})
	if got := strict.GetBalance(addr); got.Uint64() != 500 {
		t.Fatalf("GetBalance = %d, want 500", got.Uint64())
	}
}
