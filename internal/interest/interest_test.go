package interest

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestForDuration(t *testing.T) {
	principal := uint256.NewInt(10_000_000_000)

	got, err := ForDuration(principal, DefaultRate, 60)
	require.NoError(t, err)
	require.Equal(t, uint64(952), got.Uint64())

	got, err = ForDuration(principal, DefaultRate, SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(500_000_000), got.Uint64())

	// any positive duration costs at least one unit
	got, err = ForDuration(uint256.NewInt(1), DefaultRate, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Uint64())

	got, err = ForDuration(principal, DefaultRate, 0)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestDurationFor(t *testing.T) {
	principal := uint256.NewInt(10_000_000_000)

	secs, err := DurationFor(principal, DefaultRate, uint256.NewInt(10_000))
	require.NoError(t, err)
	require.Equal(t, uint64(630), secs)

	secs, err = DurationFor(principal, DefaultRate, uint256.NewInt(500_000_000))
	require.NoError(t, err)
	require.Equal(t, SecondsPerYear, secs)

	_, err = DurationFor(new(uint256.Int), DefaultRate, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrZeroPrincipal)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	secs, err = DurationFor(uint256.NewInt(1), DefaultRate, huge)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), secs)
}

func TestDurationRoundTrip(t *testing.T) {
	principal := uint256.NewInt(123_456_789_000)
	for _, secs := range []uint64{1, 59, 3600, 86_400, SecondsPerYear} {
		deposit, err := ForDuration(principal, DefaultRate, secs)
		require.NoError(t, err)
		back, err := DurationFor(principal, DefaultRate, deposit)
		require.NoError(t, err)
		require.GreaterOrEqual(t, back, secs)
	}
}

func TestInvalidRate(t *testing.T) {
	_, err := ForDuration(uint256.NewInt(1), Rate{Numerator: 1}, 10)
	require.ErrorIs(t, err, ErrInvalidRate)
	_, err = DurationFor(uint256.NewInt(1), Rate{Denominator: 1}, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestBetweenAndLoanEnd(t *testing.T) {
	principal := uint256.NewInt(10_000_000_000)

	got, err := Between(principal, DefaultRate, 1_700_000_000, 1_700_000_060)
	require.NoError(t, err)
	require.Equal(t, uint64(952), got.Uint64())

	_, err = Between(principal, DefaultRate, 10, 9)
	require.ErrorIs(t, err, ErrInvalidDuration)

	end, err := LoanEnd(1_700_000_000, principal, uint256.NewInt(10_000), DefaultRate)
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_630), end)
	require.False(t, Expired(1_700_000_629, end))
	require.True(t, Expired(1_700_000_630, end))

	end, err = LoanEnd(1_700_000_000, principal, new(uint256.Int), DefaultRate)
	require.NoError(t, err)
	require.True(t, Expired(1_700_000_000, end))
}
