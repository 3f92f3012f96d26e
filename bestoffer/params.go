package bestoffer

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/dedis/bestoffer/custody"
)

// DefaultFeeBps is the platform fee a new configuration starts with.
const DefaultFeeBps = 100

// Params are the protocol parameters a Config is created with.
type Params struct {
	FeeBps uint32 `toml:"fee_bps"`
}

// DefaultParams returns a 1% fee.
func DefaultParams() Params {
	return Params{FeeBps: DefaultFeeBps}
}

// Validate checks that the fee is at most 100%.
func (p Params) Validate() error {
	if p.FeeBps > custody.BasisPoints {
		return fmt.Errorf("%w: fee_bps %d is above %d", ErrInvalidInput, p.FeeBps, custody.BasisPoints)
	}
	return nil
}

// DecodeParams reads params from a toml document. Missing keys keep their
// default.
func DecodeParams(data string) (Params, error) {
	p := DefaultParams()
	if _, err := toml.Decode(data, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

// LoadParams reads params from a toml file.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return p, fmt.Errorf("reading %s: %w", path, err)
	}
	return p, p.Validate()
}
