// Package testutil builds deterministic header chains for tests.
//
// Every header is a pure function of its position and salt, so test
// scenarios replay identically across runs and packages.
package testutil

import (
	"fmt"

	"github.com/roach88/chainstate/internal/chain"
)

// Genesis returns the deterministic height-0 header.
func Genesis() chain.Header {
	return chain.Header{
		Height:      0,
		Prev:        chain.ZeroHash,
		Difficulty:  100,
		Timestamp:   1_600_000_000,
		LiveObjects: []byte("live-0"),
		History:     []byte("hist-0"),
	}
}

// Child derives a header on top of parent. Distinct salts produce distinct
// siblings at the same height.
func Child(parent *chain.Header, salt byte) chain.Header {
	return chain.Header{
		Height:      parent.Height + 1,
		Prev:        parent.Hash(),
		Difficulty:  parent.Difficulty + 1,
		Timestamp:   parent.Timestamp + 60,
		LiveObjects: fmt.Appendf(nil, "live-%d-%d", parent.Height+1, salt),
		History:     fmt.Appendf(nil, "hist-%d-%d", parent.Height+1, salt),
	}
}

// Chain returns n linked headers starting at genesis.
func Chain(n int) []chain.Header {
	headers := make([]chain.Header, 0, n)
	if n == 0 {
		return headers
	}
	headers = append(headers, Genesis())
	for i := 1; i < n; i++ {
		headers = append(headers, Child(&headers[i-1], 0))
	}
	return headers
}
