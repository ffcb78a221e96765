// Package interest converts between a loan's principal, its duration and the prepaid interest
// deposit, using a simple (non-compounding) yearly rate.
package interest

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"tickLend/internal/tickmath"
)

// SecondsPerYear is a 365 day year.
const SecondsPerYear uint64 = 31_536_000

var (
	ErrZeroPrincipal   = errors.New("interest: zero principal")
	ErrInvalidRate     = errors.New("interest: invalid rate")
	ErrInvalidDuration = errors.New("interest: end before start")
)

// Rate is a yearly rate expressed as Numerator/Denominator (5/100 is 5% per year).
type Rate struct {
	Numerator   uint64 `json:"numerator" mapstructure:"numerator"`
	Denominator uint64 `json:"denominator" mapstructure:"denominator"`
}

// DefaultRate is 5% per year.
var DefaultRate = Rate{Numerator: 5, Denominator: 100}

func (r Rate) Validate() error {
	if r.Numerator == 0 || r.Denominator == 0 {
		return fmt.Errorf("%w: %d/%d", ErrInvalidRate, r.Numerator, r.Denominator)
	}
	return nil
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// ForDuration returns the interest owed on principal for the given seconds, rounded up.
func ForDuration(principal *uint256.Int, rate Rate, seconds uint64) (*uint256.Int, error) {
	if err := rate.Validate(); err != nil {
		return nil, err
	}
	if principal.IsZero() || seconds == 0 {
		return new(uint256.Int), nil
	}
	numerator := new(uint256.Int).Mul(uint256.NewInt(rate.Numerator), uint256.NewInt(seconds))
	denominator := new(uint256.Int).Mul(uint256.NewInt(rate.Denominator), uint256.NewInt(SecondsPerYear))
	return tickmath.MulDivRoundingUp(principal, numerator, denominator)
}

// DurationFor returns how many whole seconds an interest deposit buys for principal.
// The result saturates at math.MaxUint64.
func DurationFor(principal *uint256.Int, rate Rate, deposit *uint256.Int) (uint64, error) {
	if err := rate.Validate(); err != nil {
		return 0, err
	}
	if principal.IsZero() {
		return 0, ErrZeroPrincipal
	}
	numerator := new(uint256.Int).Mul(uint256.NewInt(rate.Denominator), uint256.NewInt(SecondsPerYear))
	denominator := new(uint256.Int).Mul(uint256.NewInt(rate.Numerator), principal)
	seconds, err := tickmath.MulDiv(deposit, numerator, denominator)
	if err != nil {
		if errors.Is(err, tickmath.ErrOverflow) {
			return math.MaxUint64, nil
		}
		return 0, err
	}
	if !seconds.IsUint64() {
		return math.MaxUint64, nil
	}
	return seconds.Uint64(), nil
}

// Between is the interest owed on principal from start to end (unix seconds).
func Between(principal *uint256.Int, rate Rate, start, end uint64) (*uint256.Int, error) {
	if end < start {
		return nil, fmt.Errorf("%w: start %d end %d", ErrInvalidDuration, start, end)
	}
	return ForDuration(principal, rate, end-start)
}

// LoanEnd is the first second at which a loan started at start with the given deposit expires.
func LoanEnd(start uint64, principal, deposit *uint256.Int, rate Rate) (uint64, error) {
	seconds, err := DurationFor(principal, rate, deposit)
	if err != nil {
		return 0, err
	}
	if seconds > math.MaxUint64-start {
		return math.MaxUint64, nil
	}
	return start + seconds, nil
}

// Expired reports whether now has reached the loan end.
func Expired(now, end uint64) bool {
	return now >= end
}
