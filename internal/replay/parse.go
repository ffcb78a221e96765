package replay

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ParseOwner converts a hex address into common.Address.
func ParseOwner(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("%w: address %q", ErrInvalidInput, input)
	}
	return common.HexToAddress(input), nil
}

// ParseAmount reads a decimal or 0x-prefixed hex amount. Empty means zero.
func ParseAmount(field, input string) (*uint256.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(uint256.Int), nil
	}
	if strings.HasPrefix(input, "0x") || strings.HasPrefix(input, "0X") {
		v, err := uint256.FromHex(input)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidInput, field, input)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidInput, field, input)
	}
	return v, nil
}

type amountParser struct {
	err error
}

func (p *amountParser) amount(field, input string) *uint256.Int {
	if p.err != nil {
		return new(uint256.Int)
	}
	v, err := ParseAmount(field, input)
	if err != nil {
		p.err = err
		return new(uint256.Int)
	}
	return v
}
