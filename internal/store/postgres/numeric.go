package postgres

import (
	"fmt"

	"github.com/holiman/uint256"
)

// NUMERIC columns are read as ::text and written as $n::numeric so 256-bit
// values never pass through a float.

func numArg(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func numArgNullable(x *uint256.Int) *string {
	if x == nil {
		return nil
	}
	s := x.Dec()
	return &s
}

func parseNum(col, s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: column %s value %q: %w", col, s, err)
	}
	return z, nil
}

// numScanner collects text-scanned NUMERIC columns and converts them in one
// pass, keeping the first error.
type numScanner struct {
	err error
}

func (n *numScanner) parse(col, s string) *uint256.Int {
	if n.err != nil {
		return nil
	}
	z, err := parseNum(col, s)
	if err != nil {
		n.err = err
	}
	return z
}

func (n *numScanner) parseNullable(col string, s *string) *uint256.Int {
	if n.err != nil || s == nil {
		return nil
	}
	return n.parse(col, *s)
}
