package model

import (
	"math/big"
)

var (
	bigOne = big.NewInt(1)

	// oneLsh256 is 1 shifted left 256 bits, used by CalcWork.
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// CompactToBig expands a compact difficulty representation into the full
// 256-bit target. The compact form packs a 3-byte mantissa with a 1-byte
// exponent, the way bitcoin-family headers encode their target.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// BigToCompact packs a target into compact form, losing precision beyond the
// 3-byte mantissa.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Set(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Bits()[0])
	}

	// Normalize when the sign bit of the mantissa is set.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}

	return compact
}

// CalcWork returns the expected number of hash attempts the target
// represents: 2^256 / (target + 1).
func CalcWork(compact uint32) *big.Int {
	target := CompactToBig(compact)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}

	denominator := new(big.Int).Add(target, bigOne)

	return new(big.Int).Div(oneLsh256, denominator)
}
