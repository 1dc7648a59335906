// Package xhash implements the one cryptographic primitive the design
// treats as an external collaborator: keccak256_0xBitcoin(challenge,
// sender, nonce) -> hash. The accelerator kernels are presumed to compute
// the same function in bulk; this package is the host-side reference used
// for verifying every accelerator-reported candidate (design §4.3 step 4).
// The CPU fallback engine computes the same hash itself through
// golang.org/x/crypto/sha3 and does not call this package. Grounded on go-ethereum's crypto
// package, the same Keccak-256 binding the SoloDriver's transaction
// signing path (internal/chainclient) already depends on.
package xhash

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

// Keccak256_0xBitcoin computes keccak256(challenge || sender || nonce).
func Keccak256_0xBitcoin(challenge work.Hash32, sender work.Address20, nonce work.Hash32) work.Hash32 {
	preimage := make([]byte, 0, 32+20+32)
	preimage = append(preimage, challenge[:]...)
	preimage = append(preimage, sender[:]...)
	preimage = append(preimage, nonce[:]...)

	sum := crypto.Keccak256(preimage)
	var out work.Hash32
	copy(out[:], sum)
	return out
}
