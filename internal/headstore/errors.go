package headstore

import "errors"

var (
	// errFutureBlock is returned by BlockHash when asked for a number above
	// the current latest trusted number.
	errFutureBlock = errors.New("headstore: requested block number exceeds latest trusted number")

	// errChainGap is returned when BlockHash cannot find a recorded hash to
	// anchor the backward walk from; this should not happen in practice
	// since latest is always recorded.
	errChainGap = errors.New("headstore: no recorded hash to anchor backward walk")
)
