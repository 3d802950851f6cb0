package shared

import "github.com/shopspring/decimal"

// Tolerance is the monetary epsilon: differences at or below 1e-6 currency
// units are treated as zero across allocation and reconciliation arithmetic.
var Tolerance = decimal.New(1, -6)

// WithinTolerance reports whether two amounts differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// NearZero reports whether an amount is within Tolerance of zero.
func NearZero(a decimal.Decimal) bool {
	return a.Abs().LessThanOrEqual(Tolerance)
}
