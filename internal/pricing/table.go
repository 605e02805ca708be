// Package pricing maps compute variants to unit prices and performs all
// amount arithmetic in exact fixed-point: scaled big integers, never
// floating point.
package pricing

import (
	"fmt"
	"math/big"
)

// Table holds per-variant unit prices plus an optional default used when
// a variant has no explicit entry.
type Table struct {
	defaultUnit *big.Int
	variants    map[string]*big.Int
}

// NewTable builds a price table. defaultUnit may be nil when every variant
// in use has an explicit price.
func NewTable(defaultUnit *big.Int, variants map[string]*big.Int) *Table {
	copied := make(map[string]*big.Int, len(variants))
	for k, v := range variants {
		copied[k] = new(big.Int).Set(v)
	}
	t := &Table{variants: copied}
	if defaultUnit != nil {
		t.defaultUnit = new(big.Int).Set(defaultUnit)
	}
	return t
}

// Price resolves the unit price for a variant key. It falls back to the
// default unit price when no variant-specific entry exists, and fails when
// neither exists. The empty key resolves straight to the default.
func (t *Table) Price(variantKey string) (*big.Int, error) {
	if variantKey != "" {
		if unit, ok := t.variants[variantKey]; ok {
			return new(big.Int).Set(unit), nil
		}
	}
	if t.defaultUnit != nil {
		return new(big.Int).Set(t.defaultUnit), nil
	}
	return nil, fmt.Errorf("no price for variant %q and no default price configured", variantKey)
}

// Total computes unit × redundancy.
func Total(unit *big.Int, redundancy uint32) *big.Int {
	return new(big.Int).Mul(unit, new(big.Int).SetUint64(uint64(redundancy)))
}

// QuorumTotal computes Σ price(variant) × redundancy across the variant
// list.
func (t *Table) QuorumTotal(variants []string, redundancy uint32) (*big.Int, error) {
	total := new(big.Int)
	for _, v := range variants {
		unit, err := t.Price(v)
		if err != nil {
			return nil, err
		}
		total.Add(total, Total(unit, redundancy))
	}
	return total, nil
}
