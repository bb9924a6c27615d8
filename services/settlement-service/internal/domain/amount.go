package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BasisPointsDenominator is the denominator for all cut arithmetic.
const BasisPointsDenominator = 10_000

// Amount is a non-negative integer amount in the smallest unit of its
// currency. Chain balances exceed 64 bits, so the value is carried as a
// big integer and serialized as a decimal string.
type Amount struct {
	i big.Int
}

// Zero returns the zero amount
func Zero() Amount {
	return Amount{}
}

// NewAmount returns an amount from a uint64
func NewAmount(v uint64) Amount {
	var a Amount
	a.i.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 amount string
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if _, ok := a.i.SetString(s, 10); !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if a.i.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	return a, nil
}

// Add returns a + b
func (a Amount) Add(b Amount) Amount {
	var r Amount
	r.i.Add(&a.i, &b.i)
	return r
}

// Sub returns a - b; callers must ensure a >= b
func (a Amount) Sub(b Amount) Amount {
	var r Amount
	r.i.Sub(&a.i, &b.i)
	return r
}

// Cmp compares a and b, returning -1, 0, or 1
func (a Amount) Cmp(b Amount) int {
	return a.i.Cmp(&b.i)
}

// IsZero reports whether a is zero
func (a Amount) IsZero() bool {
	return a.i.Sign() == 0
}

// BasisPoints returns a * bps / 10_000 with floor division. All commission
// arithmetic goes through here so the truncation is applied uniformly.
func (a Amount) BasisPoints(bps uint16) Amount {
	var r Amount
	r.i.Mul(&a.i, big.NewInt(int64(bps)))
	r.i.Quo(&r.i, big.NewInt(BasisPointsDenominator))
	return r
}

// String returns the base-10 representation
func (a Amount) String() string {
	return a.i.String()
}

// MarshalJSON serializes the amount as a decimal string
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.i.String())
}

// UnmarshalJSON parses an amount from a decimal string
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumAmounts returns the sum of all values in a payout map
func SumAmounts(m map[AccountID]Amount) Amount {
	sum := Zero()
	for _, v := range m {
		sum = sum.Add(v)
	}
	return sum
}
