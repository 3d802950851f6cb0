package shared

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestWithinTolerance(t *testing.T) {
	a := decimal.RequireFromString("100.000000")
	require.True(t, WithinTolerance(a, decimal.RequireFromString("100.000001")))
	require.True(t, WithinTolerance(a, decimal.RequireFromString("99.999999")))
	require.False(t, WithinTolerance(a, decimal.RequireFromString("100.000002")))
	require.False(t, WithinTolerance(a, decimal.RequireFromString("100.01")))
}

func TestNearZero(t *testing.T) {
	require.True(t, NearZero(decimal.Zero))
	require.True(t, NearZero(decimal.RequireFromString("0.000001")))
	require.True(t, NearZero(decimal.RequireFromString("-0.000001")))
	require.False(t, NearZero(decimal.RequireFromString("0.000002")))
	require.False(t, NearZero(decimal.RequireFromString("-0.01")))
}
