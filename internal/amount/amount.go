package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for negative, non-finite, malformed or over-precise input.
var ErrInvalidAmount = errors.New("invalid amount")

// maxBits bounds a Stable to the width of a uint256 contract argument.
const maxBits = 256

// Stable is an unsigned fixed-point integer in the payment token's smallest unit.
// The zero value is a valid zero amount.
type Stable struct {
	v *big.Int
}

// FromBig wraps a raw on-chain integer. Negative values are rejected.
func FromBig(v *big.Int) (Stable, error) {
	if v == nil {
		return Stable{}, nil
	}
	if v.Sign() < 0 {
		return Stable{}, fmt.Errorf("%w: negative raw amount %s", ErrInvalidAmount, v)
	}
	if v.BitLen() > maxBits {
		return Stable{}, fmt.Errorf("%w: raw amount exceeds uint256", ErrInvalidAmount)
	}
	return Stable{v: new(big.Int).Set(v)}, nil
}

// MustFromBig is FromBig for values known to be valid, e.g. fixtures.
func MustFromBig(v *big.Int) Stable {
	s, err := FromBig(v)
	if err != nil {
		panic(err)
	}
	return s
}

// FromUnits builds a Stable from a count of smallest units.
func FromUnits(units uint64) Stable {
	return Stable{v: new(big.Int).SetUint64(units)}
}

// Big returns a copy of the underlying integer.
func (s Stable) Big() *big.Int {
	if s.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.v)
}

func (s Stable) Cmp(other Stable) int {
	return s.Big().Cmp(other.Big())
}

func (s Stable) Less(other Stable) bool {
	return s.Cmp(other) < 0
}

func (s Stable) IsZero() bool {
	return s.v == nil || s.v.Sign() == 0
}

// String renders the raw integer in base 10.
func (s Stable) String() string {
	return s.Big().String()
}

// Converter translates between human decimals and Stable amounts for a token
// with a fixed number of decimals. It never queries the token for its precision.
type Converter struct {
	decimals int32
}

func NewConverter(decimals int) (*Converter, error) {
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("amount: unsupported token decimals %d", decimals)
	}
	return &Converter{decimals: int32(decimals)}, nil
}

func (c *Converter) Decimals() int {
	return int(c.decimals)
}

// ToChain multiplies a human decimal by 10^decimals. Fractional digits beyond the
// token precision are an error, never rounded away.
func (c *Converter) ToChain(human decimal.Decimal) (Stable, error) {
	if human.Sign() < 0 {
		return Stable{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, human)
	}
	shifted := human.Shift(c.decimals)
	if !shifted.IsInteger() {
		return Stable{}, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, human, c.decimals)
	}
	return FromBig(shifted.BigInt())
}

// ParseHuman parses user input such as "250", "250.00" or "0.5".
func (c *Converter) ParseHuman(s string) (Stable, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Stable{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Stable{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return c.ToChain(d)
}

// FromFloat accepts a float only when it is finite; the float is read through its
// shortest decimal representation so 0.1 converts to exactly 100000 at 6 decimals.
func (c *Converter) FromFloat(f float64) (Stable, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Stable{}, fmt.Errorf("%w: non-finite value", ErrInvalidAmount)
	}
	return c.ToChain(decimal.NewFromFloat(f))
}

// ToHuman is the exact inverse of ToChain.
func (c *Converter) ToHuman(s Stable) decimal.Decimal {
	return decimal.NewFromBigInt(s.Big(), -c.decimals)
}

// Format renders a Stable in canonical human form without trailing zeros.
func (c *Converter) Format(s Stable) string {
	return c.ToHuman(s).String()
}

// FormatFixed renders a Stable with all token decimals, e.g. "250.000000".
func (c *Converter) FormatFixed(s Stable) string {
	return c.ToHuman(s).StringFixed(c.decimals)
}
