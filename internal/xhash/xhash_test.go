package xhash

import (
	"testing"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

func TestKeccak256_0xBitcoinDeterministic(t *testing.T) {
	var challenge work.Hash32
	challenge[0] = 0xaa
	var sender work.Address20
	sender[0] = 0xbb
	var nonce work.Hash32
	nonce[31] = 1

	h1 := Keccak256_0xBitcoin(challenge, sender, nonce)
	h2 := Keccak256_0xBitcoin(challenge, sender, nonce)
	if h1 != h2 {
		t.Fatal("hashing the same preimage twice should be deterministic")
	}
}

func TestKeccak256_0xBitcoinSensitiveToNonce(t *testing.T) {
	var challenge work.Hash32
	var sender work.Address20

	var nonceA, nonceB work.Hash32
	nonceA[31] = 1
	nonceB[31] = 2

	hA := Keccak256_0xBitcoin(challenge, sender, nonceA)
	hB := Keccak256_0xBitcoin(challenge, sender, nonceB)
	if hA == hB {
		t.Fatal("different nonces must not collide for this trivial input")
	}
}

func TestKeccak256_0xBitcoinNotZero(t *testing.T) {
	var challenge, nonce work.Hash32
	var sender work.Address20
	h := Keccak256_0xBitcoin(challenge, sender, nonce)
	if h == (work.Hash32{}) {
		t.Fatal("keccak256 of an all-zero preimage should not be the zero hash")
	}
}
