package execverify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/holiman/uint256"
)

// missingAccountError is panicked by strictStateDB and recovered at the call
// boundary in Adapter.Call/EstimateGas, turning an EVM-internal panic into a
// normal Go error.
type missingAccountError struct{ addr common.Address }

func (e missingAccountError) Error() string {
	return fmt.Sprintf("execverify: execution touched address %s outside the materialized access list", e.addr)
}

// strictStateDB wraps a *state.StateDB seeded only with verified accounts
// and panics on any read of an address outside that set, realizing design
// note "Access-list augmentation": the implementation must reject execution
// that escapes the materialized state rather than silently zero-filling a
// missing account. It embeds *state.StateDB so every vm.StateDB method not
// overridden here is satisfied by the normal in-memory behaviour (writes,
// refunds, logs, snapshots); only the reads that would otherwise fabricate
// a zero-value account are intercepted.
type strictStateDB struct {
	*state.StateDB
	materialized map[common.Address]bool
}

func newStrictStateDB(db *state.StateDB, materialized map[common.Address]bool) *strictStateDB {
	return &strictStateDB{StateDB: db, materialized: materialized}
}

func (s *strictStateDB) require(addr common.Address) {
	if !s.materialized[addr] {
		panic(missingAccountError{addr})
	}
}

func (s *strictStateDB) GetBalance(addr common.Address) *uint256.Int {
	s.require(addr)
	return s.StateDB.GetBalance(addr)
}

func (s *strictStateDB) GetNonce(addr common.Address) uint64 {
	s.require(addr)
	return s.StateDB.GetNonce(addr)
}

func (s *strictStateDB) GetCodeHash(addr common.Address) common.Hash {
	s.require(addr)
	return s.StateDB.GetCodeHash(addr)
}

func (s *strictStateDB) GetCode(addr common.Address) []byte {
	s.require(addr)
	return s.StateDB.GetCode(addr)
}

func (s *strictStateDB) GetCodeSize(addr common.Address) int {
	s.require(addr)
	return s.StateDB.GetCodeSize(addr)
}

func (s *strictStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	s.require(addr)
	return s.StateDB.GetState(addr, key)
}

func (s *strictStateDB) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	s.require(addr)
	return s.StateDB.GetCommittedState(addr, key)
}

func (s *strictStateDB) Exist(addr common.Address) bool {
	s.require(addr)
	return s.StateDB.Exist(addr)
}

func (s *strictStateDB) Empty(addr common.Address) bool {
	s.require(addr)
	return s.StateDB.Empty(addr)
}
