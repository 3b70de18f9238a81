// Package market holds the shared trading primitives used across the engine.
package market

import "github.com/shopspring/decimal"

// Side describes order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the side is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// SideFromString parses a side name. It accepts the wire spellings
// "BUY"/"SELL" and "buy"/"sell".
func SideFromString(s string) Side {
	switch s {
	case "BUY", "buy", "b":
		return SideBuy
	case "SELL", "sell", "s":
		return SideSell
	default:
		return SideUnknown
	}
}

// Signed returns qty with the sign implied by the side: positive for
// BUY, negative for SELL.
func Signed(side Side, qty decimal.Decimal) decimal.Decimal {
	if side == SideSell {
		return qty.Neg()
	}
	return qty
}
