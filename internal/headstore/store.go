// Package headstore holds the set of block numbers and hashes the proxy has
// decided to trust. It is the single source of truth that every other
// verification component anchors against; nothing in this package ever
// fetches data itself.
package headstore

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// HeaderFetcher resolves and verifies the header for a given hash. The store
// uses it only to walk parent pointers when asked for a block_hash at a
// number it has not recorded directly; it never fetches a header on its own
// initiative.
type HeaderFetcher func(ctx context.Context, hash common.Hash) (*types.Header, error)

// Store is the Trusted-Head Store described in the component design: a
// single-writer, many-reader map from trusted block number to trusted block
// hash, a cache of verified headers keyed by hash, and a set of wake-up
// slots for callers waiting on a future block number.
type Store struct {
	mu      sync.Mutex
	latest  uint64
	hashes  map[uint64]common.Hash
	headers map[common.Hash]*types.Header
	waiters map[uint64][]chan struct{}
}

// New creates a Store seeded with a single trusted head.
func New(number uint64, hash common.Hash) *Store {
	s := &Store{
		hashes:  make(map[uint64]common.Hash),
		headers: make(map[common.Hash]*types.Header),
		waiters: make(map[uint64][]chan struct{}),
	}
	s.hashes[number] = hash
	s.latest = number
	return s
}

// Update records a newly trusted (hash, number) pair. If number already has
// a different recorded hash, the new hash still wins — the store assumes a
// newer trusted hash supersedes an older one at the same height — but the
// overwrite is logged as a reorg. If number advances latest(), every waiter
// at or below the new latest is released.
func (s *Store) Update(hash common.Hash, number uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.hashes[number]; ok && prev != hash {
		log.Warn("trusted head reorg", "number", number, "old", prev, "new", hash)
	}
	s.hashes[number] = hash

	if number <= s.latest {
		return
	}
	s.latest = number

	for n, chs := range s.waiters {
		if n > s.latest {
			continue
		}
		for _, ch := range chs {
			close(ch)
		}
		delete(s.waiters, n)
	}
}

// Latest returns the current latest trusted block number.
func (s *Store) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// CacheHeader records a verified header under its own hash. Callers must
// have already checked keccak(rlp(header)) == header.Hash() before calling.
func (s *Store) CacheHeader(header *types.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[header.Hash()] = header
}

// CachedHeader returns a previously cached header by hash, or nil.
func (s *Store) CachedHeader(hash common.Hash) *types.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[hash]
}

// WaitFor blocks until number is at or below the latest trusted number, or
// until ctx is cancelled. There is no internal timeout; cancellation is the
// caller's responsibility.
func (s *Store) WaitFor(ctx context.Context, number uint64) error {
	s.mu.Lock()
	if number <= s.latest {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters[number] = append(s.waiters[number], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BlockHash returns the trusted hash for number, walking parent pointers via
// fetch when number is not already recorded. It never serves a number above
// the current latest.
func (s *Store) BlockHash(ctx context.Context, number uint64, fetch HeaderFetcher) (common.Hash, error) {
	s.mu.Lock()
	latest := s.latest
	if hash, ok := s.hashes[number]; ok {
		s.mu.Unlock()
		return hash, nil
	}
	s.mu.Unlock()

	if number > latest {
		return common.Hash{}, errFutureBlock
	}

	// Walk backward from the nearest known descendant, recording each
	// parent's hash at number-1 as we verify it.
	cur := latest
	for {
		s.mu.Lock()
		hash, ok := s.hashes[cur]
		s.mu.Unlock()
		if !ok {
			return common.Hash{}, errChainGap
		}
		header, err := fetch(ctx, hash)
		if err != nil {
			return common.Hash{}, err
		}
		if cur == number {
			return hash, nil
		}
		parentNum := cur - 1
		s.mu.Lock()
		s.hashes[parentNum] = header.ParentHash
		s.mu.Unlock()
		if parentNum == number {
			return header.ParentHash, nil
		}
		cur = parentNum
	}
}
