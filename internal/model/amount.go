package model

import "github.com/shopspring/decimal"

// CentPlaces is the scale every stored amount is kept at.
const CentPlaces = 2

// WholeCents reports whether d has no non-zero digit past the cent. Finer
// amounts would be rounded by the backends but not by the cache.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CentPlaces))
}
